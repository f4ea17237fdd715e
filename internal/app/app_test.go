package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/torsion_stand/internal/acquisition"
	"github.com/relabs-tech/torsion_stand/internal/calibration"
	"github.com/relabs-tech/torsion_stand/internal/config"
	"github.com/relabs-tech/torsion_stand/internal/dyno"
	"github.com/relabs-tech/torsion_stand/internal/link"
	"github.com/relabs-tech/torsion_stand/internal/plcsim"
	"github.com/relabs-tech/torsion_stand/internal/stand"
)

const testRing = 4

type fakePoller struct {
	mu   sync.Mutex
	regs []uint16
	err  error
}

func (f *fakePoller) Poll(_ context.Context, _ link.Request) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]uint16(nil), f.regs...), nil
}

// set loads status, angle (degrees at one count each), cursor and ring.
func (f *fakePoller) set(angle int32, cursor int, ring ...int16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	regs := []uint16{1, uint16(uint32(angle)), uint16(uint32(angle) >> 16), uint16(cursor)}
	for _, v := range ring {
		regs = append(regs, uint16(v))
	}
	f.regs = regs
}

type fakeReference struct {
	v  float64
	ok bool
}

func (f fakeReference) Value() (float64, bool) { return f.v, f.ok }

type resultRecorder struct {
	mu      sync.Mutex
	results []calibration.FitResult
}

func (r *resultRecorder) PublishCalibration(res calibration.FitResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func newTestService(t *testing.T, ref ReferenceSource) (*Service, *fakePoller, string) {
	t.Helper()
	poller := &fakePoller{}
	cmd := stand.NewCommander(32768)
	loop, err := acquisition.NewLoop(acquisition.Config{
		ReadAddress:       0,
		WriteAddress:      200,
		RingCapacity:      testRing,
		RetentionCapacity: 3 * testRing,
		PollInterval:      10 * time.Millisecond,
		DevicePeriod:      time.Millisecond,
		FullScale:         32768,
		CountsPerDeg:      1,
	}, poller, cmd)
	if err != nil {
		t.Fatal(err)
	}
	snapshot := filepath.Join(t.TempDir(), "calibration.json")
	svc := NewService(ServiceConfig{
		Loop:      loop,
		Commander: cmd,
		Session:   calibration.NewSession(cmd, 50, nil),
		Fitter:    calibration.NewFitter(0.5, 0.1),
		Store:     calibration.NewStore(calibration.StoreConfig{SnapshotPath: snapshot}),
		Reference: ref,
	})
	return svc, poller, snapshot
}

func getJSON(t *testing.T, h http.Handler, path string, v any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code == http.StatusOK && v != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return rec.Code
}

func TestRoutes_Live(t *testing.T) {
	svc, poller, _ := newTestService(t, nil)
	h := svc.Routes("", time.Millisecond)

	if code := getJSON(t, h, "/api/live", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before the first poll, got %d", code)
	}

	poller.set(90, 0, 1, 2, 3, 4)
	svc.Loop.Tick(context.Background())

	var live liveResponse
	if code := getJSON(t, h, "/api/live", &live); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if !live.Healthy || live.Live.Torque != 4 || live.Live.Angle != 90 {
		t.Errorf("unexpected live response %+v", live)
	}
	if !live.Coefficients.IsIdentity() {
		t.Errorf("expected identity curve, got %v", live.Coefficients)
	}

	var q quantityResponse
	if code := getJSON(t, h, "/api/live/angle", &q); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if q.Quantity != "angle" || q.Value != 90 {
		t.Errorf("expected angle 90, got %+v", q)
	}
	if code := getJSON(t, h, "/api/live/pressure", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown quantity, got %d", code)
	}
}

func TestRoutes_Retention(t *testing.T) {
	svc, poller, _ := newTestService(t, nil)
	h := svc.Routes("", time.Millisecond)

	poller.set(0, 0, 1, 2, 3, 4)
	svc.Loop.Tick(context.Background())

	var resp retentionResponse
	getJSON(t, h, "/api/retention", &resp)
	if resp.Retained != 0 || resp.Samples == nil || len(resp.Samples) != 0 {
		t.Fatalf("expected an empty series after priming, got %+v", resp)
	}

	poller.set(0, 2, 5, 6, 3, 4)
	svc.Loop.Tick(context.Background())

	getJSON(t, h, "/api/retention?n=10", &resp)
	if resp.Retained != 2 || resp.PeriodUS != 1000 {
		t.Fatalf("unexpected retention response %+v", resp)
	}
	if len(resp.Samples) != 2 || resp.Samples[0] != 5 || resp.Samples[1] != 6 {
		t.Errorf("expected [5 6], got %v", resp.Samples)
	}

	if code := getJSON(t, h, "/api/retention?n=-1", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative n, got %d", code)
	}
}

func TestService_MirrorsRawTorqueAndReference(t *testing.T) {
	svc, poller, _ := newTestService(t, fakeReference{v: 7.5, ok: true})
	// a non-identity curve must not leak into the mirrored value
	svc.Loop.SetCoefficients(calibration.Coefficients{B1: 2, A2: 2, Breakpoint: 10})

	if err := svc.Session.Engage(2); err != nil {
		t.Fatal(err)
	}
	poller.set(0, 1, 6, 0, 0, 0)
	svc.Loop.Tick(context.Background())

	p := svc.Session.Points()[2]
	if p.LiveActual != 6 || p.LiveReference != 7.5 {
		t.Errorf("expected live 6 / 7.5, got %v / %v", p.LiveActual, p.LiveReference)
	}

	h := svc.Routes("", time.Millisecond)
	var cal calibrationResponse
	getJSON(t, h, "/api/calibration", &cal)
	if cal.Active == nil || *cal.Active != 2 || cal.AllFixed {
		t.Errorf("unexpected calibration state %+v", cal)
	}
}

func TestService_MissingReferenceMirrorsZero(t *testing.T) {
	svc, poller, _ := newTestService(t, fakeReference{v: 3, ok: false})
	svc.Session.Engage(0)
	poller.set(0, 1, 6, 0, 0, 0)
	svc.Loop.Tick(context.Background())

	if p := svc.Session.Points()[0]; p.LiveReference != 0 {
		t.Errorf("expected reference 0, got %v", p.LiveReference)
	}
}

func TestService_ClosedReferenceMirrorsZero(t *testing.T) {
	pr, pw := io.Pipe()
	ref := dyno.NewReader(pr, dyno.Config{StaleAfter: time.Minute})
	done := make(chan error, 1)
	go func() { done <- ref.Run(context.Background()) }()
	pw.Write([]byte("ST,GS   12.34KN\r\n"))
	pw.Close()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	svc, poller, _ := newTestService(t, ref)
	svc.Session.Engage(0)
	poller.set(0, 1, 6, 0, 0, 0)
	svc.Loop.Tick(context.Background())

	p := svc.Session.Points()[0]
	if p.LiveActual != 6 || p.LiveReference != 0 {
		t.Errorf("expected live 6 / 0 after the instrument went away, got %v / %v", p.LiveActual, p.LiveReference)
	}
}

func TestService_RejectedBlockIsNotMirrored(t *testing.T) {
	svc, poller, _ := newTestService(t, fakeReference{v: 7.5, ok: true})
	svc.Session.Engage(1)
	poller.set(0, 1, 6, 0, 0, 0)
	svc.Loop.Tick(context.Background())

	poller.set(0, 200, 0, 0, 0, 0)
	if u := svc.Loop.Tick(context.Background()); !u.Rejected {
		t.Fatalf("expected the block rejected, got %+v", u)
	}
	if p := svc.Session.Points()[1]; p.LiveActual != 6 {
		t.Errorf("expected last good reading 6 kept, got %v", p.LiveActual)
	}
}

func fixAll(t *testing.T, s *calibration.Session, ref func(float64) float64) {
	t.Helper()
	for i, p := range s.Points() {
		if err := s.Engage(i); err != nil {
			t.Fatal(err)
		}
		s.Mirror(p.CommandedSetpoint, ref(p.CommandedSetpoint))
		if err := s.Disengage(i); err != nil {
			t.Fatal(err)
		}
	}
}

func TestService_Compute(t *testing.T) {
	svc, _, snapshot := newTestService(t, nil)
	rec := &resultRecorder{}
	svc.AddPublisher(rec)

	if _, err := svc.Compute(context.Background()); !errors.Is(err, calibration.ErrNotAllFixed) {
		t.Fatalf("expected ErrNotAllFixed, got %v", err)
	}
	if _, ok := svc.LastResult(); ok {
		t.Fatal("expected no result before a compute")
	}

	fixAll(t, svc.Session, func(x float64) float64 { return x })
	res, err := svc.Compute(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Accepted || math.Abs(res.Coefficients.B1-1) > 1e-6 || math.Abs(res.Coefficients.A2-1) > 1e-6 {
		t.Errorf("expected an accepted identity fit, got %+v", res)
	}
	if got := svc.Loop.Coefficients(); got != res.Coefficients {
		t.Errorf("expected loop curve %v, got %v", res.Coefficients, got)
	}
	if len(rec.results) != 1 {
		t.Errorf("expected 1 published result, got %d", len(rec.results))
	}
	if _, err := os.Stat(snapshot); err != nil {
		t.Errorf("expected snapshot written: %v", err)
	}
}

func TestService_ComputeRejectedInstallsIdentity(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	svc.Loop.SetCoefficients(calibration.Coefficients{B1: 2, A2: 2, Breakpoint: 10})

	fixAll(t, svc.Session, func(float64) float64 { return 0 })
	res, err := svc.Compute(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted {
		t.Fatal("expected the fit to be rejected")
	}
	if !svc.Loop.Coefficients().IsIdentity() {
		t.Errorf("expected identity installed, got %v", svc.Loop.Coefficients())
	}
}

func TestService_Restore(t *testing.T) {
	svc, _, snapshot := newTestService(t, nil)
	svc.Session.SetSetpoint(3, 3.5)
	fixAll(t, svc.Session, func(x float64) float64 { return 1.01 * x })
	if _, err := svc.Compute(context.Background()); err != nil {
		t.Fatal(err)
	}

	next, _, _ := newTestService(t, nil)
	next.Store = calibration.NewStore(calibration.StoreConfig{SnapshotPath: snapshot})
	if err := next.Restore(); err != nil {
		t.Fatal(err)
	}
	p := next.Session.Points()[3]
	if p.CommandedSetpoint != 3.5 || math.Abs(p.FixedReference-3.535) > 1e-9 || p.Fixed {
		t.Errorf("unexpected restored point %+v", p)
	}
}

func dialCalibration(t *testing.T, svc *Service) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(svc.Routes("", time.Millisecond))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/calibration", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// await reads until a message satisfies match.
func await(t *testing.T, conn *websocket.Conn, match func(WSResponse) bool) WSResponse {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var resp WSResponse
		if err := conn.ReadJSON(&resp); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(resp) {
			return resp
		}
	}
}

func TestCalibrationWS_EngageAndConflict(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	conn := dialCalibration(t, svc)

	first := await(t, conn, func(r WSResponse) bool { return r.Type == "points" })
	if len(first.Points) != calibration.PointCount || first.Active != nil {
		t.Fatalf("unexpected initial table %+v", first)
	}

	conn.WriteJSON(WSMessage{Action: "engage", Index: 2})
	await(t, conn, func(r WSResponse) bool { return r.Type == "points" && r.Active != nil && *r.Active == 2 })
	if svc.Commander.Command() != stand.CmdTorqueHold {
		t.Errorf("expected torque hold, got %v", svc.Commander.Command())
	}

	conn.WriteJSON(WSMessage{Action: "engage", Index: 5})
	notice := await(t, conn, func(r WSResponse) bool { return r.Type == "notice" || r.Type == "error" })
	if notice.Type != "notice" {
		t.Errorf("expected a notice for a conflicting engage, got %+v", notice)
	}
	if i, _ := svc.Session.Active(); i != 2 {
		t.Errorf("expected point 2 still active, got %d", i)
	}

	conn.WriteJSON(WSMessage{Action: "compute"})
	notice = await(t, conn, func(r WSResponse) bool { return r.Type == "notice" })
	if !strings.Contains(notice.Message, "fix all") {
		t.Errorf("unexpected compute notice %q", notice.Message)
	}

	conn.WriteJSON(WSMessage{Action: "jog", Direction: "up"})
	if e := await(t, conn, func(r WSResponse) bool { return r.Type == "error" }); !strings.Contains(e.Message, "direction") {
		t.Errorf("unexpected jog error %q", e.Message)
	}
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCalibrationWS_StandActionsRefusedWhileEngaged(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	conn := dialCalibration(t, svc)
	await(t, conn, func(r WSResponse) bool { return r.Type == "points" })

	conn.WriteJSON(WSMessage{Action: "engage", Index: 0})
	await(t, conn, func(r WSResponse) bool { return r.Type == "points" && r.Active != nil })

	refused := []WSMessage{
		{Action: "jog", Direction: "cw", Value: 10},
		{Action: "stop"},
		{Action: "mode", Mode: "auto"},
		{Action: "zero_torque"},
		{Action: "zero_angle"},
		{Action: "clear_bits"},
		{Action: "register", Register: "torque_sv", Value: 1},
	}
	for _, msg := range refused {
		conn.WriteJSON(msg)
		n := await(t, conn, func(r WSResponse) bool { return r.Type == "notice" || r.Type == "error" })
		if n.Type != "notice" || !strings.Contains(n.Message, "engaged") {
			t.Errorf("%s: expected an engaged notice, got %+v", msg.Action, n)
		}
	}
	img := svc.Commander.Image()
	if stand.DecodeCommand(img[stand.WriteCtrl]) != stand.CmdTorqueHold || stand.DecodeMode(img[stand.WriteCtrl]) != stand.ModeHand {
		t.Errorf("expected the torque hold untouched, got %016b", img[stand.WriteCtrl])
	}
	if img[stand.WriteCtrl]&(1<<stand.BitResetTorque) != 0 {
		t.Error("expected zero torque refused")
	}

	conn.WriteJSON(WSMessage{Action: "disengage", Index: 0})
	await(t, conn, func(r WSResponse) bool { return r.Type == "points" && r.Active == nil })
}

func TestCalibrationWS_StandActions(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	conn := dialCalibration(t, svc)
	await(t, conn, func(r WSResponse) bool { return r.Type == "points" })

	for _, msg := range []WSMessage{
		{Action: "power", On: true},
		{Action: "retain", On: true},
		{Action: "reset_error"},
		{Action: "reset_alarm"},
		{Action: "zero_torque"},
		{Action: "zero_angle"},
		{Action: "mode", Mode: "service"},
		{Action: "register", Register: "aux", Value: 7},
		{Action: "register", Register: "dq_ctrl", Value: 0x0101},
	} {
		conn.WriteJSON(msg)
	}
	flags := uint16(1<<stand.BitPowerOn | 1<<stand.BitWriteRetain | 1<<stand.BitResetError |
		1<<stand.BitResetAlarm | 1<<stand.BitResetTorque | 1<<stand.BitResetAngle)
	eventually(t, "stand actions applied", func() bool {
		img := svc.Commander.Image()
		return img[stand.WriteCtrl]&flags == flags && img[stand.WriteAux] == 7 && img[stand.WriteDQCtrl] == 0x0101
	})
	if got := stand.DecodeMode(svc.Commander.Image()[stand.WriteCtrl]); got != stand.ModeService {
		t.Errorf("expected service mode, got %v", got)
	}

	conn.WriteJSON(WSMessage{Action: "register", Register: "aux", Value: 70000})
	if e := await(t, conn, func(r WSResponse) bool { return r.Type == "error" }); !strings.Contains(e.Message, "0-65535") {
		t.Errorf("unexpected register error %q", e.Message)
	}
	conn.WriteJSON(WSMessage{Action: "register", Register: "status", Value: 1})
	if e := await(t, conn, func(r WSResponse) bool { return r.Type == "error" }); !strings.Contains(e.Message, "unknown control register") {
		t.Errorf("unexpected register error %q", e.Message)
	}

	conn.WriteJSON(WSMessage{Action: "clear_bits"})
	eventually(t, "flag bits cleared", func() bool {
		return svc.Commander.Image()[stand.WriteCtrl]&flags == 0
	})
	if got := stand.DecodeMode(svc.Commander.Image()[stand.WriteCtrl]); got != stand.ModeService {
		t.Errorf("expected mode kept after clearing bits, got %v", got)
	}
}

func TestCalibrationWS_Compute(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	fixAll(t, svc.Session, func(x float64) float64 { return x })
	conn := dialCalibration(t, svc)

	conn.WriteJSON(WSMessage{Action: "compute"})
	done := await(t, conn, func(r WSResponse) bool { return r.Type == "complete" })
	if done.Result == nil || !done.Result.Accepted {
		t.Errorf("expected an accepted result, got %+v", done)
	}
}

func TestDumpRegisters(t *testing.T) {
	dev := plcsim.New(plcsim.Config{RingCapacity: 8, WriteAddress: 200, CoeffAddress: 300})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dev.Serve(ctx, ln)
	dev.StepN(3)

	lnk := link.New(link.Config{Addr: ln.Addr().String(), UnitID: 1, Timeout: time.Second})
	if err := lnk.Write(ctx, 300, stand.Float32Registers(calibration.Identity().Values()...)); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		WriteAddress:      200,
		CoeffAddress:      300,
		RingCapacity:      8,
		TorqueFullScale:   50,
		AngleCountsPerDeg: 768,
	}
	var out strings.Builder
	if err := DumpRegisters(ctx, cfg, lnk, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"cursor   3 / 8", "B1=1", "command=halt", "aux=0000"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in dump:\n%s", want, out.String())
		}
	}
}

func TestConsoleFormat(t *testing.T) {
	line, err := formatHealth([]byte(`{"time":"2026-03-01T12:00:00Z","healthy":false,"error":"dial refused"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line, "down") || !strings.Contains(line, "dial refused") {
		t.Errorf("unexpected health line %q", line)
	}

	line, err = formatCalibration([]byte(`{"result":{"coefficients":{"b1":1,"a2":1},"accepted":false,"reason":"flat"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line, "rejected (flat)") {
		t.Errorf("unexpected calibration line %q", line)
	}

	if _, err := formatLive([]byte("{")); err == nil {
		t.Error("expected an error for a truncated payload")
	}
}
