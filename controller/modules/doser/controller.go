package doser

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Knetic/govaluate"

	"github.com/cja-skyfarms/skyfarm-pi/controller"
	"github.com/cja-skyfarms/skyfarm-pi/controller/modules/ecph"
	"github.com/cja-skyfarms/skyfarm-pi/controller/utils"
)

// pumpPollInterval is how often a running dose checks for an abort signal.
const pumpPollInterval = 50 * time.Millisecond

// DoseRecord is one completed injection.
type DoseRecord struct {
	ID       string  `json:"id"`
	Time     string  `json:"time"`
	Channel  string  `json:"channel"`
	VolumeML float64 `json:"volume_ml"`
	Seconds  float64 `json:"seconds"`
	Reason   string  `json:"reason"`
}

func (d DoseRecord) EID() string   { return d.ID }
func (d DoseRecord) EName() string { return d.Channel + " " + d.Time }

// measurer is the slice of the ecph subsystem the dosing loop depends on.
type measurer interface {
	Measure() (ecph.Measurement, error)
}

// switcher is the slice of the equipment subsystem driving pump relays.
type switcher interface {
	On(id string, b bool) error
}

// Controller implements the closed-loop EC/pH dosing subsystem. Checks are
// queued like every other pump job so the two channels never overlap on a
// shared nutrient line.
type Controller struct {
	c     controller.Controller
	queue *Queue

	mu         sync.Mutex
	logs       []string
	quit       chan struct{}
	running    bool
	csv        *utils.CSVLog
	calSeconds map[string]float64

	// test seams
	measure func() (ecph.Measurement, error)
	pumps   func() (switcher, error)
}

func New(c controller.Controller) (*Controller, error) {
	for _, b := range []string{Bucket, DoseBucket, queueBucket} {
		if err := c.Store().CreateBucket(b); err != nil {
			return nil, err
		}
	}
	m := &Controller{
		c:          c,
		queue:      NewQueue(c.Store()),
		calSeconds: make(map[string]float64),
	}
	m.measure = func() (ecph.Measurement, error) {
		sub, err := c.Subsystem("ecph")
		if err != nil {
			return ecph.Measurement{}, err
		}
		probe, ok := sub.(measurer)
		if !ok {
			return ecph.Measurement{}, fmt.Errorf("ecph subsystem cannot measure")
		}
		return probe.Measure()
	}
	m.pumps = func() (switcher, error) {
		return c.Subsystem("equipment")
	}
	return m, nil
}

func (m *Controller) Setup() error {
	var cfg Config
	if err := m.c.Store().Get(Bucket, "default", &cfg); err != nil {
		return m.c.Store().CreateWithID(Bucket, "default", DefaultConfig())
	}
	return nil
}

func (m *Controller) GetConfig() (Config, error) {
	var cfg Config
	return cfg, m.c.Store().Get(Bucket, "default", &cfg)
}

func (m *Controller) setConfig(cfg Config) error {
	cfg.ID = "default"
	return m.c.Store().Update(Bucket, "default", &cfg)
}

func (m *Controller) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.quit = make(chan struct{})
	quit := m.quit
	m.mu.Unlock()

	go m.queue.ProcessTasks(m.execute)

	cfg, err := m.GetConfig()
	if err != nil {
		m.c.LogError("doser", "failed to load config: "+err.Error())
		return
	}
	if !cfg.Enable {
		return
	}
	if err := StartSchedule(cfg.Schedule, quit, m.enqueueCheck); err != nil {
		m.c.LogError("doser", "invalid schedule '"+cfg.Schedule+"': "+err.Error())
	}
}

// Stop aborts any running dose, stops the schedule and worker, and forces
// both pumps off.
func (m *Controller) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.quit)
	m.mu.Unlock()

	m.queue.Stop()
	m.forcePumpsOff()
}

func (m *Controller) forcePumpsOff() {
	cfg, err := m.GetConfig()
	if err != nil {
		m.c.LogError("doser", "failed to load config for pump shutdown: "+err.Error())
		return
	}
	eq, err := m.pumps()
	if err != nil {
		m.c.LogError("doser", "equipment unavailable for pump shutdown: "+err.Error())
		return
	}
	for _, ch := range []Channel{cfg.AB, cfg.Acid} {
		if ch.Equipment == "" {
			continue
		}
		if err := eq.On(ch.Equipment, false); err != nil {
			m.c.LogError("doser", "failed to force pump off: "+err.Error())
		}
	}
}

func (m *Controller) enqueueCheck() {
	if err := m.queue.AddTask(Task{Kind: TaskCheck, Channel: "check"}); err != nil {
		m.appendLog("CHECK: Skipped schedule (" + err.Error() + ")")
		return
	}
	m.appendLog("CHECK: Scheduled control check enqueued")
}

func (m *Controller) execute(task Task) {
	switch task.Kind {
	case TaskCheck:
		m.runCheck()
	case TaskDose:
		m.runDose(task.Channel, task.VolumeML, "manual")
	case TaskCalibrate:
		m.runCalibration(task.Channel, task.Seconds)
	default:
		m.appendLog("Unknown task kind '" + task.Kind + "' dropped")
	}
}

// runCheck is one control cycle: averaged reading, guard expression, then
// threshold comparison. A failed read never actuates a pump.
func (m *Controller) runCheck() {
	cfg, err := m.GetConfig()
	if err != nil {
		m.c.LogError("doser", "check aborted, config: "+err.Error())
		return
	}
	reading, err := m.measure()
	if err != nil {
		m.c.LogError("doser", "check aborted, sensor read failed: "+err.Error())
		m.appendLog("CHECK: Sensor read failed, no dosing")
		return
	}
	m.appendLog(fmt.Sprintf("CHECK: EC=%.2f pH=%.2f temp=%.1f", reading.EC, reading.PH, reading.SolutionTemp))

	inhibited, err := evalInhibit(cfg.Inhibit, reading)
	if err != nil {
		m.c.LogError("doser", "inhibit expression: "+err.Error())
		return
	}
	if inhibited {
		m.appendLog("CHECK: Inhibit expression true, dosing skipped")
		return
	}

	if reading.EC < cfg.ECMin {
		m.runDose(ChannelAB, cfg.AB.DoseML, fmt.Sprintf("ec %.2f < %.2f", reading.EC, cfg.ECMin))
	}
	if reading.PH >= cfg.PHMax {
		m.runDose(ChannelAcid, cfg.Acid.DoseML, fmt.Sprintf("ph %.2f >= %.2f", reading.PH, cfg.PHMax))
	}
}

func evalInhibit(expr string, reading ecph.Measurement) (bool, error) {
	if expr == "" {
		return false, nil
	}
	e, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return false, err
	}
	result, err := e.Evaluate(map[string]interface{}{
		"ec":            reading.EC,
		"ph":            reading.PH,
		"solution_temp": reading.SolutionTemp,
	})
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("inhibit expression must evaluate to a boolean")
	}
	return b, nil
}

// runDose injects volumeML through a channel's pump, with reservoir
// accounting. The pump is always switched off, abort or not.
func (m *Controller) runDose(channel string, volumeML float64, reason string) {
	label := strings.ToUpper(channel)
	cfg, err := m.GetConfig()
	if err != nil {
		m.c.LogError("doser", "dose aborted, config: "+err.Error())
		return
	}
	ch, err := cfg.channel(channel)
	if err != nil {
		m.c.LogError("doser", err.Error())
		return
	}
	if !ch.Enable {
		m.appendLog(label + ": Channel disabled, dose skipped")
		return
	}
	if volumeML <= 0 {
		volumeML = ch.DoseML
	}
	if ch.StockRemainML < volumeML {
		m.appendLog(fmt.Sprintf("%s: Stock solution low (%.1f mL), dose skipped", label, ch.StockRemainML))
		m.c.Telemetry().Alert("doser", label+" stock solution low")
		return
	}
	if ch.RatePerSec <= 0 {
		m.c.LogError("doser", label+" pump has no calibration rate")
		return
	}

	seconds := volumeML / ch.RatePerSec
	m.appendLog(fmt.Sprintf("%s: Dose started (%.1f mL, %.1f s, %s)", label, volumeML, seconds, reason))
	if err := m.runPump(ch.Equipment, seconds); err != nil {
		m.appendLog(label + ": Dose aborted (" + err.Error() + ")")
		return
	}

	ch.StockRemainML -= volumeML
	if err := cfg.setChannel(channel, ch); err == nil {
		if err := m.setConfig(cfg); err != nil {
			m.c.LogError("doser", "failed to persist stock accounting: "+err.Error())
		}
	}
	m.recordDose(DoseRecord{
		Time:     time.Now().Format("2006-01-02 15:04:05"),
		Channel:  channel,
		VolumeML: volumeML,
		Seconds:  seconds,
		Reason:   reason,
	})
	m.appendLog(fmt.Sprintf("%s: Dose completed; stock remaining %.1f mL", label, ch.StockRemainML))
	m.c.Telemetry().EmitMetric("doser", channel+"_dosed_ml", volumeML)
	m.c.Telemetry().EmitMetric("doser", channel+"_stock_remain_ml", ch.StockRemainML)
}

// runPump switches the pump relay on for the given duration, checking the
// abort signal every 50 ms. The off switch runs on every path.
func (m *Controller) runPump(equipmentID string, seconds float64) error {
	if equipmentID == "" {
		return fmt.Errorf("channel has no pump equipment bound")
	}
	eq, err := m.pumps()
	if err != nil {
		return err
	}
	if err := eq.On(equipmentID, true); err != nil {
		return err
	}
	defer func() {
		if err := eq.On(equipmentID, false); err != nil {
			m.c.LogError("doser", "failed to switch pump off: "+err.Error())
		}
	}()

	m.mu.Lock()
	quit := m.quit
	m.mu.Unlock()

	deadline := time.Now().Add(time.Duration(seconds * float64(time.Second)))
	ticker := time.NewTicker(pumpPollInterval)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if quit == nil {
			<-ticker.C
			continue
		}
		select {
		case <-ticker.C:
		case <-quit:
			return fmt.Errorf("subsystem stopping")
		}
	}
	return nil
}

// runCalibration is a timed pump run; the grower measures the dispensed
// volume and reports it back to compute mL/s.
func (m *Controller) runCalibration(channel string, seconds float64) {
	label := strings.ToUpper(channel)
	cfg, err := m.GetConfig()
	if err != nil {
		m.c.LogError("doser", "calibration aborted, config: "+err.Error())
		return
	}
	ch, err := cfg.channel(channel)
	if err != nil {
		m.c.LogError("doser", err.Error())
		return
	}
	m.appendLog(fmt.Sprintf("%s: Calibration run started (%.1f s). Measure the dispensed volume.", label, seconds))
	if err := m.runPump(ch.Equipment, seconds); err != nil {
		m.appendLog(label + ": Calibration aborted (" + err.Error() + ")")
		return
	}
	m.mu.Lock()
	m.calSeconds[channel] = seconds
	m.mu.Unlock()
	m.appendLog(label + ": Calibration run finished. Submit the measured volume.")
}

// SubmitCalibration stores the measured volume of the last calibration run
// and updates the channel's mL/s rate.
func (m *Controller) SubmitCalibration(channel string, measuredML float64) error {
	m.mu.Lock()
	seconds, ok := m.calSeconds[channel]
	delete(m.calSeconds, channel)
	m.mu.Unlock()
	if !ok || seconds <= 0 {
		return fmt.Errorf("no calibration run recorded for '%s'", channel)
	}
	if measuredML <= 0 {
		return fmt.Errorf("measured volume must be positive")
	}
	cfg, err := m.GetConfig()
	if err != nil {
		return err
	}
	ch, err := cfg.channel(channel)
	if err != nil {
		return err
	}
	ch.RatePerSec = measuredML / seconds
	if err := cfg.setChannel(channel, ch); err != nil {
		return err
	}
	if err := m.setConfig(cfg); err != nil {
		return err
	}
	m.appendLog(fmt.Sprintf("%s: Pump calibrated to %.3f mL/s", strings.ToUpper(channel), ch.RatePerSec))
	return nil
}

// Refill resets a channel's stock reservoir to its start volume.
func (m *Controller) Refill(channel string) error {
	cfg, err := m.GetConfig()
	if err != nil {
		return err
	}
	ch, err := cfg.channel(channel)
	if err != nil {
		return err
	}
	ch.StockRemainML = ch.StockStartML
	if err := cfg.setChannel(channel, ch); err != nil {
		return err
	}
	if err := m.setConfig(cfg); err != nil {
		return err
	}
	m.appendLog(fmt.Sprintf("%s: Stock refilled to %.1f mL", strings.ToUpper(channel), ch.StockStartML))
	m.c.Telemetry().EmitMetric("doser", channel+"_stock_remain_ml", ch.StockStartML)
	return nil
}

func (m *Controller) csvLog() (*utils.CSVLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.csv != nil {
		return m.csv, nil
	}
	cfg, err := m.GetConfig()
	if err != nil {
		return nil, err
	}
	path := cfg.CSVPath
	if path == "" {
		path = filepath.Join(m.c.Opts().DataDir, "Solution_input_log.csv")
	}
	m.csv = utils.NewCSVLog(path, []string{"timestamp", "device", "action", "detail"})
	return m.csv, nil
}

func (m *Controller) recordDose(rec DoseRecord) {
	if err := m.c.Store().Create(DoseBucket, func(id string) interface{} {
		rec.ID = id
		return &rec
	}); err != nil {
		m.c.LogError("doser", "failed to persist dose record: "+err.Error())
	}
	if l, err := m.csvLog(); err == nil {
		detail := fmt.Sprintf("volume=%.1fmL duration=%.1fs", rec.VolumeML, rec.Seconds)
		if err := l.Append([]string{rec.Time, strings.ToUpper(rec.Channel), "dose", detail}); err != nil {
			m.c.LogError("doser", "csv append failed: "+err.Error())
		}
	}
}

func (m *Controller) Doses() ([]DoseRecord, error) {
	records := []DoseRecord{}
	err := m.c.Store().List(DoseBucket, func(_ string, v []byte) error {
		var rec DoseRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	})
	return records, err
}

// appendLog adds an entry to the in-memory activity log, capped at 100.
func (m *Controller) appendLog(msg string) {
	entry := time.Now().Format("15:04:05") + " " + msg
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	if len(m.logs) > 100 {
		m.logs = m.logs[len(m.logs)-100:]
	}
}

func (m *Controller) activityLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.logs))
	copy(out, m.logs)
	return out
}

// On enqueues a manual dose for a channel (b=true) or cancels its pending
// task (b=false).
func (m *Controller) On(id string, b bool) error {
	if !b {
		return m.queue.RemoveTask(id)
	}
	cfg, err := m.GetConfig()
	if err != nil {
		return err
	}
	if _, err := cfg.channel(id); err != nil {
		return err
	}
	return m.queue.AddTask(Task{Kind: TaskDose, Channel: id})
}

func (m *Controller) InUse(depType, id string) ([]string, error) {
	users := []string{}
	if depType != "equipment" {
		return users, nil
	}
	cfg, err := m.GetConfig()
	if err != nil {
		return nil, err
	}
	if cfg.AB.Equipment == id {
		users = append(users, ChannelAB)
	}
	if cfg.Acid.Equipment == id {
		users = append(users, ChannelAcid)
	}
	return users, nil
}

func (m *Controller) GetEntity(id string) (controller.Entity, error) {
	var rec DoseRecord
	return rec, m.c.Store().Get(DoseBucket, id, &rec)
}
