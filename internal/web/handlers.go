package web

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/petrijr/durable/internal/engine"
	"github.com/petrijr/durable/internal/notify"
	"github.com/petrijr/durable/pkg/api"
)

func (s *Server) StartExecution(c fiber.Ctx) error {
	var req StartExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := s.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	exec, err := s.executions.Start(c.Context(), engine.StartRequest{
		ID:        req.ID,
		Namespace: req.Namespace,
		Workflow:  req.Workflow,
		Input:     req.Input,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return s.handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(exec)
}

func (s *Server) GetExecution(c fiber.Ctx) error {
	exec, err := s.executions.Get(c.Context(), c.Params("id"))
	if err != nil {
		return s.handleServiceError(c, err)
	}

	return c.JSON(exec)
}

func (s *Server) CancelExecution(c fiber.Ctx) error {
	var req CancelExecutionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}
	if req.Reason == "" {
		req.Reason = c.Query("reason")
	}

	if err := s.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := s.executions.Cancel(c.Context(), c.Params("id"), req.Reason); err != nil {
		return s.handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (s *Server) SignalExecution(c fiber.Ctx) error {
	payload := json.RawMessage(append([]byte(nil), c.Body()...))
	if len(payload) > 0 && !json.Valid(payload) {
		return badRequest(c, "Invalid JSON format")
	}

	if err := s.executions.Signal(c.Context(), c.Params("id"), c.Params("signal"), payload); err != nil {
		return s.handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (s *Server) GetHistory(c fiber.Ctx) error {
	q, err := parseHistoryQuery(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	if err := s.validate.Struct(q); err != nil {
		return badRequest(c, err.Error())
	}

	id := c.Params("id")
	if q.Stream {
		return s.streamHistory(c, id)
	}

	page := &api.Pagination{Page: q.Page, PageSize: q.PageSize, Reverse: q.Reverse}
	events, err := s.executions.History(c.Context(), id, page)
	if err != nil {
		return s.handleServiceError(c, err)
	}

	return c.JSON(HistoryPage{
		ExecutionID: id,
		Page:        q.Page,
		PageSize:    q.PageSize,
		Events:      events,
	})
}

func parseHistoryQuery(c fiber.Ctx) (HistoryQuery, error) {
	q := HistoryQuery{PageSize: DefaultPageSize}

	if v := c.Query("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil {
			return q, err
		}
		q.Page = page
	}

	if v := c.Query("pageSize"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return q, err
		}
		q.PageSize = size
	}

	for name, dst := range map[string]*bool{"reverse": &q.Reverse, "stream": &q.Stream} {
		if v := c.Query(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return q, err
			}
			*dst = b
		}
	}

	return q, nil
}

// streamHistory writes committed events as NDJSON, first the ones already
// in history and then new ones as drive cycles commit them, until the
// execution is terminal, the client goes away or the stream times out.
func (s *Server) streamHistory(c fiber.Ctx, id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.streamTimeout)

	// Subscribe before reading so nothing committed in between is missed.
	var batches <-chan notify.HistoryBatch
	if s.notifier != nil {
		ch, err := s.notifier.History(ctx, id)
		if err != nil {
			cancel()
			return s.handleServiceError(c, err)
		}
		batches = ch
	}

	// Status first: if it is terminal the history read after it is complete.
	exec, err := s.executions.Get(c.Context(), id)
	if err != nil {
		cancel()
		return s.handleServiceError(c, err)
	}
	events, err := s.executions.History(c.Context(), id, nil)
	if err != nil {
		cancel()
		return s.handleServiceError(c, err)
	}

	c.Set(fiber.HeaderContentType, "application/x-ndjson")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.RequestCtx().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		enc := json.NewEncoder(w)

		var last int64
		write := func(evs []api.Event) bool {
			for _, e := range evs {
				if e.Seq <= last {
					continue
				}
				if err := enc.Encode(e); err != nil {
					return false
				}
				last = e.Seq
			}
			return w.Flush() == nil
		}

		if !write(events) || exec.Status.IsTerminal() || batches == nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case batch, ok := <-batches:
				if !ok {
					return
				}
				if !write(batch.Events) {
					s.logger.Debug("history stream closed by client", slog.String("execution_id", id))
					return
				}
				if batch.Status.IsTerminal() {
					return
				}
			}
		}
	})

	return nil
}
