package app

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/relabs-tech/torsion_stand/internal/acquisition"
	"github.com/relabs-tech/torsion_stand/internal/calibration"
)

// defaultRetentionSamples is returned by /api/retention without ?n=.
const defaultRetentionSamples = 1000

type liveResponse struct {
	Healthy      bool                     `json:"healthy"`
	State        string                   `json:"state"`
	Live         acquisition.Live         `json:"live"`
	Coefficients calibration.Coefficients `json:"coefficients"`
}

type quantityResponse struct {
	Quantity string    `json:"quantity"`
	Value    float64   `json:"value"`
	Time     time.Time `json:"time"`
}

type retentionResponse struct {
	PeriodUS int64                `json:"period_us"`
	Retained int                  `json:"retained"`
	Samples  []acquisition.Sample `json:"samples"`
}

type calibrationResponse struct {
	Points   []calibration.Point    `json:"points"`
	Active   *int                   `json:"active"`
	AllFixed bool                   `json:"all_fixed"`
	Result   *calibration.FitResult `json:"result,omitempty"`
}

// Routes returns the HTTP API, the calibration websocket, and, when
// staticDir exists, the operator pages at "/".
func (s *Service) Routes(staticDir string, devicePeriod time.Duration) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/live", func(w http.ResponseWriter, r *http.Request) {
		live := s.Loop.Live()
		if live.Time.IsZero() {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, liveResponse{
			Healthy:      s.Loop.Healthy(),
			State:        s.Loop.State().String(),
			Live:         live,
			Coefficients: s.Loop.Coefficients(),
		})
	})

	mux.HandleFunc("GET /api/live/{quantity}", func(w http.ResponseWriter, r *http.Request) {
		q, err := acquisition.ParseQuantity(r.PathValue("quantity"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		live := s.Loop.Live()
		if live.Time.IsZero() {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, quantityResponse{Quantity: q.String(), Value: live.Value(q), Time: live.Time})
	})

	mux.HandleFunc("GET /api/retention", func(w http.ResponseWriter, r *http.Request) {
		n := defaultRetentionSamples
		if v := r.URL.Query().Get("n"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed < 0 {
				http.Error(w, "n must be a non-negative integer", http.StatusBadRequest)
				return
			}
			n = parsed
		}
		buf := s.Loop.Retention()
		samples := buf.Tail(n)
		if samples == nil {
			samples = []acquisition.Sample{}
		}
		writeJSON(w, retentionResponse{
			PeriodUS: devicePeriod.Microseconds(),
			Retained: buf.Len(),
			Samples:  samples,
		})
	})

	mux.HandleFunc("GET /api/calibration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.calibrationState())
	})

	mux.HandleFunc("/ws/calibration", s.HandleCalibrationWS)

	if st, err := os.Stat(staticDir); err == nil && st.IsDir() {
		mux.Handle("/", http.FileServer(http.Dir(staticDir)))
	}
	return mux
}

func (s *Service) calibrationState() calibrationResponse {
	resp := calibrationResponse{
		Points:   s.Session.Points(),
		AllFixed: s.Session.AllFixed(),
	}
	if i, ok := s.Session.Active(); ok {
		resp.Active = &i
	}
	if res, ok := s.LastResult(); ok {
		resp.Result = &res
	}
	return resp
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: json encode error: %v", err)
	}
}
