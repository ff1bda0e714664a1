package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	realtime "github.com/pupil-labs/pl-realtime-api"
)

// Command is an outbound request/response command. Params must be
// JSON-marshalable.
type Command struct {
	Method  string
	Params  any
	Timeout time.Duration // optional; defaults to Options.Command.Timeout
}

const (
	MethodRecordingStart       = "recording.start"
	MethodRecordingStopAndSave = "recording.stop_and_save"
	MethodRecordingCancel      = "recording.cancel"
	MethodEventSend            = "event.send"
	MethodTemplateGet          = "template.get"
	MethodTemplateDataGet      = "template.data.get"
	MethodTemplateDataSet      = "template.data.set"
)

func RecordingStart() Command       { return Command{Method: MethodRecordingStart} }
func RecordingStopAndSave() Command { return Command{Method: MethodRecordingStopAndSave} }
func RecordingCancel() Command      { return Command{Method: MethodRecordingCancel} }

type eventParams struct {
	Name      string `json:"name"`
	Timestamp *int64 `json:"timestamp,omitempty"`
}

// SendEvent annotates the recording with a named event. A nil
// timestamp lets the device stamp arrival time.
func SendEvent(name string, timestampNS *int64) Command {
	return Command{Method: MethodEventSend, Params: eventParams{Name: name, Timestamp: timestampNS}}
}

func TemplateGet() Command     { return Command{Method: MethodTemplateGet} }
func TemplateDataGet() Command { return Command{Method: MethodTemplateDataGet} }

func TemplateDataSet(answers map[string][]string) Command {
	// the device wants [""] for cleared answers, never an empty list
	body := make(map[string][]string, len(answers))
	for k, v := range answers {
		if len(v) == 0 {
			v = []string{""}
		}
		body[k] = v
	}
	return Command{Method: MethodTemplateDataSet, Params: body}
}

// RecordingStart starts a recording and returns its id.
func (s *Session) RecordingStart(ctx context.Context) (string, error) {
	result, err := s.Command(ctx, RecordingStart())
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return "", fmt.Errorf("%w: recording.start result: %v", realtime.ErrProtocol, err)
	}
	return out.ID, nil
}

// RecordingStopAndSave stops the running recording and lets the device
// save it.
func (s *Session) RecordingStopAndSave(ctx context.Context) error {
	_, err := s.Command(ctx, RecordingStopAndSave())
	return err
}

// RecordingCancel stops and discards the running recording.
func (s *Session) RecordingCancel(ctx context.Context) error {
	_, err := s.Command(ctx, RecordingCancel())
	return err
}

// SendEvent annotates the recording. The returned event carries the
// device-assigned timestamp.
func (s *Session) SendEvent(ctx context.Context, name string, timestampNS *int64) (realtime.Event, error) {
	result, err := s.Command(ctx, SendEvent(name, timestampNS))
	if err != nil {
		return realtime.Event{}, err
	}
	var evt realtime.Event
	if err := json.Unmarshal(result, &evt); err != nil {
		return realtime.Event{}, fmt.Errorf("%w: event.send result: %v", realtime.ErrProtocol, err)
	}
	return evt, nil
}

// Template fetches the definition of the template selected on device.
func (s *Session) Template(ctx context.Context) (*realtime.Template, error) {
	result, err := s.Command(ctx, TemplateGet())
	if err != nil {
		return nil, err
	}
	var tpl realtime.Template
	if err := json.Unmarshal(result, &tpl); err != nil {
		return nil, fmt.Errorf("%w: template.get result: %v", realtime.ErrProtocol, err)
	}
	return &tpl, nil
}

// TemplateData fetches the answers entered on device, in wire format.
func (s *Session) TemplateData(ctx context.Context) (map[string][]string, error) {
	result, err := s.Command(ctx, TemplateDataGet())
	if err != nil {
		return nil, err
	}
	var data map[string][]string
	if err := json.Unmarshal(result, &data); err != nil {
		return nil, fmt.Errorf("%w: template.data.get result: %v", realtime.ErrProtocol, err)
	}
	return data, nil
}

// SetTemplateData validates answers against the current template
// definition and posts them. Validation failures surface as
// ErrRejected without touching the device.
func (s *Session) SetTemplateData(ctx context.Context, answers map[string][]string) error {
	tpl, err := s.Template(ctx)
	if err != nil {
		return err
	}
	existing, err := s.TemplateData(ctx)
	if err != nil {
		return err
	}
	merged := make(map[string][]string, len(existing)+len(answers))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range answers {
		merged[k] = v
	}
	if err := tpl.ValidateAnswers(merged); err != nil {
		return fmt.Errorf("%w: %v", realtime.ErrRejected, err)
	}
	_, err = s.Command(ctx, TemplateDataSet(answers))
	return err
}
