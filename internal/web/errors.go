package web

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/petrijr/durable/pkg/api"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

// notFound answers with 403 when existence must not leak.
func (s *Server) notFound(c fiber.Ctx) error {
	if s.hideNotFound {
		problem := problems.NewStatusProblem(fiber.StatusForbidden).
			WithInstance(c.Path()).
			WithType("forbidden")

		return c.Status(fiber.StatusForbidden).JSON(problem)
	}

	problem := problems.NewStatusProblem(fiber.StatusNotFound).
		WithInstance(c.Path()).
		WithType("execution_not_found").
		WithDetail("execution not found")

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

// handleServiceError maps engine errors to problem responses.
func (s *Server) handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, api.ErrExecutionNotFound):
		return s.notFound(c)

	case errors.Is(err, api.ErrInvalidInput),
		errors.Is(err, api.ErrWorkflowNotFound),
		errors.Is(err, api.ErrUntrustedWorkflow):
		return badRequest(c, err.Error())

	case errors.Is(err, api.ErrExecutionExists), errors.Is(err, api.ErrExecutionTerminal):
		problem := problems.NewStatusProblem(fiber.StatusConflict).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	default:
		s.logger.ErrorContext(c.Context(), "request failed",
			slog.String("path", c.Path()),
			slog.Any("error", err),
		)
		problem := problems.NewStatusProblem(fiber.StatusInternalServerError).
			WithInstance(c.Path()).
			WithType("internal_error")

		return c.Status(fiber.StatusInternalServerError).JSON(problem)
	}
}
