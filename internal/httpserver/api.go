package httpserver

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/epicforge/governor/internal/governor"
	"github.com/epicforge/governor/internal/ledger"
	"github.com/epicforge/governor/internal/timeutil"
)

type apiHandler struct {
	gov   *governor.Governor
	store *ledger.Store
}

func registerAPIRoutes(app *fiber.App, gov *governor.Governor, store *ledger.Store) {
	h := &apiHandler{gov: gov, store: store}
	v1 := app.Group("/v1")
	v1.Post("/gate", h.gate)
	v1.Post("/usage/events", h.record)
	v1.Get("/orgs/:org_id/usage", h.usage)
	v1.Get("/orgs/:org_id/events", h.events)
}

type gatePayload struct {
	OrgID           string            `json:"org_id"`
	UserID          string            `json:"user_id"`
	Tier            string            `json:"tier"`
	FeatureKind     string            `json:"feature_kind"`
	Model           string            `json:"model"`
	Prompt          string            `json:"prompt"`
	EstimatedTokens int64             `json:"estimated_tokens"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

func (p gatePayload) toRequest() (governor.GateRequest, error) {
	orgID, err := uuid.Parse(strings.TrimSpace(p.OrgID))
	if err != nil {
		return governor.GateRequest{}, errors.New("invalid org_id")
	}
	userID, err := uuid.Parse(strings.TrimSpace(p.UserID))
	if err != nil {
		return governor.GateRequest{}, errors.New("invalid user_id")
	}
	return governor.GateRequest{
		OrgID:           orgID,
		UserID:          userID,
		Tier:            p.Tier,
		FeatureKind:     p.FeatureKind,
		Model:           p.Model,
		Prompt:          p.Prompt,
		EstimatedTokens: p.EstimatedTokens,
		Metadata:        p.Metadata,
	}, nil
}

func (h *apiHandler) gate(c *fiber.Ctx) error {
	var payload gatePayload
	if err := c.BodyParser(&payload); err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid request body")
	}
	req, err := payload.toRequest()
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, err.Error())
	}

	grant, err := h.gov.Gate(c.Context(), req)
	if err != nil {
		return writeGateError(c, err)
	}
	return c.JSON(fiber.Map{
		"allowed":           true,
		"max_output_tokens": grant.MaxOutputTokens,
		"throttled":         grant.Throttled,
		"warning":           grant.Warning,
		"fingerprint":       grant.Fingerprint,
	})
}

func writeGateError(c *fiber.Ctx, err error) error {
	var rlErr *governor.RateLimitError
	if errors.As(err, &rlErr) {
		seconds := int64(rlErr.ResetIn.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		c.Set(fiber.HeaderRetryAfter, strconv.FormatInt(seconds, 10))
		return writeError(c, fiber.StatusTooManyRequests, err.Error())
	}
	switch {
	case errors.Is(err, governor.ErrHardCapExceeded):
		return writeError(c, fiber.StatusPaymentRequired, err.Error())
	case errors.Is(err, governor.ErrDuplicateRequest):
		return writeError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, governor.ErrLedgerUnavailable):
		return writeError(c, fiber.StatusServiceUnavailable, err.Error())
	}
	return writeError(c, fiber.StatusBadRequest, err.Error())
}

type recordPayload struct {
	gatePayload
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	LatencyMs    int64 `json:"latency_ms"`
	CacheHit     bool  `json:"cache_hit"`
}

func (h *apiHandler) record(c *fiber.Ctx) error {
	var payload recordPayload
	if err := c.BodyParser(&payload); err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid request body")
	}
	req, err := payload.toRequest()
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.FeatureKind) == "" {
		return writeError(c, fiber.StatusBadRequest, "feature_kind required")
	}

	result := governor.InvocationResult{
		Model:        payload.Model,
		InputTokens:  payload.InputTokens,
		OutputTokens: payload.OutputTokens,
		Latency:      time.Duration(payload.LatencyMs) * time.Millisecond,
		CacheHit:     payload.CacheHit,
	}
	if result == (governor.InvocationResult{}) {
		return writeError(c, fiber.StatusBadRequest, "invocation result required")
	}
	if err := h.gov.Record(c.Context(), req, result); err != nil {
		return writeError(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"recorded": true})
}

func (h *apiHandler) usage(c *fiber.Ctx) error {
	orgID, err := uuid.Parse(c.Params("org_id"))
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid org id")
	}
	period := strings.TrimSpace(c.Query("period"))
	if period == "" {
		period = "month"
	}
	tier := strings.TrimSpace(c.Query("tier"))

	summary, err := h.gov.Summary(c.Context(), orgID, tier, period)
	if err != nil {
		if errors.Is(err, timeutil.ErrInvalidPeriod) {
			return writeError(c, fiber.StatusBadRequest, err.Error())
		}
		return writeError(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(summary)
}

func (h *apiHandler) events(c *fiber.Ctx) error {
	if h.store == nil {
		return writeError(c, fiber.StatusServiceUnavailable, "event store unavailable")
	}
	orgID, err := uuid.Parse(c.Params("org_id"))
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid org id")
	}
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}

	events, err := h.store.RecentEvents(c.Context(), orgID, limit)
	if err != nil {
		return writeError(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"events": events})
}
