package sim

import (
	"bufio"
	"encoding/json"
	"os"

	"example.com/filament-sync/core/control"
)

// Recorder appends one JSON object per line to a tick log, a header entry
// first. The format is consumed by tools/simplot.
type Recorder struct {
	f *os.File
	w *bufio.Writer
}

type logHeader struct {
	RDStart          float64 `json:"rd_start"`
	SensorType       string  `json:"sensor_type"`
	TwoLevelActive   bool    `json:"twolevel_active"`
	BufferRangeMM    float64 `json:"buffer_range_mm"`
	BufferMaxRangeMM float64 `json:"buffer_max_range_mm"`
	TrueRD           float64 `json:"true_rd"`
}

type logInput struct {
	Tick   int     `json:"tick"`
	TimeS  float64 `json:"t_s"`
	DtS    float64 `json:"dt_s"`
	DMM    float64 `json:"d_mm"`
	Sensor float64 `json:"sensor"`
}

type logOutput struct {
	RDPrev    float64 `json:"rd_prev"`
	RDCurrent float64 `json:"rd_current"`
	RDTuned   float64 `json:"rd_tuned"`
	RDTarget  float64 `json:"rd_target"`
	RDRef     float64 `json:"rd_ref"`
	RDNote    string  `json:"rd_note,omitempty"`
	XEst      float64 `json:"x_est"`
	CEst      float64 `json:"c_est"`
	SensorUI  float64 `json:"sensor_ui"`
	XTrue     float64 `json:"x_true"`
	SpringMM  float64 `json:"spring_mm"`
	FlowLevel float64 `json:"flow_level"`
	Trigger   string  `json:"trigger,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Autotune  string  `json:"autotune,omitempty"`
	Save      bool    `json:"save,omitempty"`
}

type logRecord struct {
	Header *logHeader `json:"header,omitempty"`
	Input  *logInput  `json:"input,omitempty"`
	Output *logOutput `json:"output,omitempty"`
}

func NewRecorder(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &Recorder{f: f, w: bufio.NewWriter(f)}, nil
}

func (r *Recorder) WriteHeader(h logHeader) error {
	return r.write(logRecord{Header: &h})
}

func (r *Recorder) WriteTick(in logInput, out control.Output, xTrue, springMM float64) error {
	return r.write(logRecord{
		Input: &in,
		Output: &logOutput{
			RDPrev:    out.RDPrev,
			RDCurrent: out.RDCurrent,
			RDTuned:   out.RDTuned,
			RDTarget:  out.RDTarget,
			RDRef:     out.RDRef,
			RDNote:    out.RDNote,
			XEst:      out.XEstimate,
			CEst:      out.CEstimate,
			SensorUI:  out.SensorUI,
			XTrue:     xTrue,
			SpringMM:  springMM,
			FlowLevel: out.FlowGuard.Level,
			Trigger:   out.FlowGuard.Trigger.String(),
			Reason:    out.FlowGuard.Reason,
			Autotune:  out.Autotune.Note,
			Save:      out.Autotune.Save,
		},
	})
}

func (r *Recorder) write(rec logRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err = r.w.Write(b); err != nil {
		return err
	}
	return r.w.WriteByte('\n')
}

// Close flushes and closes the log. It is safe to call twice so callers
// can close explicitly to observe the flush error and still keep a
// deferred close for early returns.
func (r *Recorder) Close() error {
	if r.w == nil {
		return nil
	}
	err := r.w.Flush()
	r.w = nil
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}
