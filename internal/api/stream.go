package api

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/CZERTAINLY/Autotest/internal/logsink"
	"github.com/CZERTAINLY/Autotest/internal/model"
)

var newlines = strings.NewReplacer("\r", `\r`, "\n", `\n`)

// stream follows a log artifact as server-sent events. Each chunk becomes
// one event with line breaks escaped. Comments are sent every heartbeat, a
// failing write ends the stream and releases the tail.
func (s *Server) stream(c *fiber.Ctx) error {
	file := c.Query("file")
	if file == "" {
		return fiber.NewError(fiber.StatusBadRequest, "file required")
	}
	name := path.Base(file)

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.UserContext()))
	var opts []logsink.TailOption
	if s.config.PollInterval > 0 {
		opts = append(opts, logsink.WithPollInterval(s.config.PollInterval))
	}
	chunks, err := s.config.Logs.Tail(ctx, name, opts...)
	if err != nil {
		cancel()
		if errors.Is(err, model.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "not found")
		}
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	c.Set("Content-Type", "text/event-stream; charset=utf-8")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	heartbeat := s.config.Heartbeat
	stop := s.stop
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			cancel()
			for range chunks {
			}
		}()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("log stream panicked", "log", name, "panic", r)
			}
		}()

		slog.DebugContext(ctx, "log stream attached", "log", name)
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case chunk, ok := <-chunks:
				if !ok {
					return
				}
				if err := writeEvent(w, chunk); err != nil {
					slog.DebugContext(ctx, "log stream detached", "log", name, "error", err)
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					slog.DebugContext(ctx, "log stream detached", "log", name, "error", err)
					return
				}
			}
		}
	})
	return nil
}

func writeEvent(w *bufio.Writer, chunk string) error {
	if _, err := w.WriteString("data: " + newlines.Replace(chunk) + "\n\n"); err != nil {
		return err
	}
	return w.Flush()
}
