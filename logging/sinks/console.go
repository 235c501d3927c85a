package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"

	"blockphysics/server/logging"
)

// Console renders events as leveled key/value lines.
type Console struct {
	logger *log.Logger
}

func NewConsole(w io.Writer, cfg logging.ConsoleConfig) *Console {
	opts := log.Options{
		ReportTimestamp: true,
		Prefix:          "events",
		Level:           log.DebugLevel,
	}
	if !cfg.UseColor {
		opts.Formatter = log.LogfmtFormatter
	}
	return &Console{logger: log.NewWithOptions(w, opts)}
}

func (s *Console) Write(event logging.Event) error {
	if s == nil || s.logger == nil {
		return nil
	}
	keyvals := []any{"tick", event.Tick}
	if event.World != "" {
		keyvals = append(keyvals, "world", event.World)
	}
	if event.Actor.ID != "" || event.Actor.Kind != "" {
		keyvals = append(keyvals, "actor", formatEntity(event.Actor))
	}
	if len(event.Targets) > 0 {
		keyvals = append(keyvals, "targets", formatTargets(event.Targets))
	}
	if payload := formatPayload(event.Payload); payload != "" {
		keyvals = append(keyvals, "payload", payload)
	}
	for _, key := range sortedKeys(event.Extra) {
		keyvals = append(keyvals, key, event.Extra[key])
	}
	msg := string(event.Type)
	switch event.Severity {
	case logging.SeverityDebug:
		s.logger.Debug(msg, keyvals...)
	case logging.SeverityWarn:
		s.logger.Warn(msg, keyvals...)
	case logging.SeverityError:
		s.logger.Error(msg, keyvals...)
	default:
		s.logger.Info(msg, keyvals...)
	}
	return nil
}

func (s *Console) Close(context.Context) error {
	return nil
}

func formatEntity(ref logging.EntityRef) string {
	if ref.ID == "" {
		return string(ref.Kind)
	}
	if ref.Kind == "" {
		return ref.ID
	}
	return fmt.Sprintf("%s:%s", ref.Kind, ref.ID)
}

func formatTargets(targets []logging.EntityRef) string {
	parts := make([]string, 0, len(targets))
	for _, target := range targets {
		parts = append(parts, formatEntity(target))
	}
	return strings.Join(parts, ",")
}

func formatPayload(payload any) string {
	if payload == nil {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(data)
}
