package scheduling

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/carepoint/practice/pkg/pagination"
)

// BookingSessionHeader identifies one client booking flow for caching
// calendar connection lookups.
const BookingSessionHeader = "X-Booking-Session"

type Handler struct {
	resolver *Resolver
	detector *Detector
	booking  *Orchestrator
	rules    *RuleService
	settings *SettingsService
}

func NewHandler(resolver *Resolver, detector *Detector, booking *Orchestrator, rules *RuleService, settings *SettingsService) *Handler {
	return &Handler{
		resolver: resolver,
		detector: detector,
		booking:  booking,
		rules:    rules,
		settings: settings,
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/availability", h.GetAvailability)
	api.GET("/conflicts", h.GetConflicts)

	api.POST("/appointments", h.CreateAppointment)
	api.GET("/appointments", h.ListAppointments)
	api.GET("/appointments/:id", h.GetAppointment)
	api.POST("/appointments/:id/status", h.UpdateAppointmentStatus)

	api.POST("/slot-divisions/validate", h.ValidateDivisions)

	api.GET("/practitioners/:id/availability-rules", h.ListRules)
	api.POST("/practitioners/:id/availability-rules", h.CreateRule)
	api.DELETE("/availability-rules/:id", h.DeleteRule)
	api.GET("/practitioners/:id/blocks", h.ListBlocks)
	api.POST("/practitioners/:id/blocks", h.CreateBlock)
	api.DELETE("/blocks/:id", h.DeleteBlock)

	api.GET("/settings/scheduling", h.GetSettings)
	api.PUT("/settings/scheduling", h.UpdateSettings)
}

// httpError maps scheduling errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case IsConfigurationError(err), errors.Is(err, ErrInvalidWindow):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case IsDivisionError(err):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSlotNoLongerAvailable):
		return echo.NewHTTPError(http.StatusConflict, "the selected time is no longer available; please pick a new time")
	case errors.Is(err, ErrRuleOverlap), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

func parseIDParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// practitionerIDs reads repeated or comma-separated practitioner_id values.
func practitionerIDs(c echo.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, raw := range c.QueryParams()["practitioner_id"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := uuid.Parse(part)
			if err != nil {
				return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid practitioner_id: "+part)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func optionalUUID(c echo.Context, name string) (*uuid.UUID, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

func optionalTime(c echo.Context, name string) (*time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": expected RFC 3339 timestamp")
	}
	return &t, nil
}

// -- Availability & conflicts --

func (h *Handler) GetAvailability(c echo.Context) error {
	ctx := c.Request().Context()
	ids, err := practitionerIDs(c)
	if err != nil {
		return err
	}
	loc, err := optionalUUID(c, "location_id")
	if err != nil {
		return err
	}
	from, err := ParseDate(c.QueryParam("from"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "from: "+err.Error())
	}
	to, err := ParseDate(c.QueryParam("to"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "to: "+err.Error())
	}

	q := AvailabilityQuery{
		PractitionerIDs: ids,
		LocationID:      loc,
		Mode:            Mode(c.QueryParam("mode")),
		From:            from,
		To:              to,
	}
	if err := h.resolver.ValidateQuery(q); err != nil {
		return httpError(err)
	}
	settings, err := h.settings.Get(ctx)
	if err != nil {
		return httpError(err)
	}
	snap, err := h.resolver.Resolve(ctx, q, settings)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) GetConflicts(c echo.Context) error {
	ctx := c.Request().Context()
	ids, err := practitionerIDs(c)
	if err != nil {
		return err
	}
	date, err := ParseDate(c.QueryParam("date"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "date: "+err.Error())
	}
	start, err := ParseClock(c.QueryParam("start"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "start: "+err.Error())
	}
	end, err := ParseClock(c.QueryParam("end"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "end: "+err.Error())
	}

	settings, err := h.settings.Get(ctx)
	if err != nil {
		return httpError(err)
	}
	tz, err := settings.Location()
	if err != nil {
		return httpError(err)
	}
	report, err := h.detector.Detect(ctx, c.Request().Header.Get(BookingSessionHeader),
		TimeWindow{Date: date, Start: start, End: end}, tz, ids)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

// -- Appointments --

type bookingRequest struct {
	AppointmentDraft
	SlotDivisions []DivisionInput `json:"slot_divisions"`
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	ctx := c.Request().Context()
	var req bookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	settings, err := h.settings.Get(ctx)
	if err != nil {
		return httpError(err)
	}
	appt, err := h.booking.Book(ctx, req.AppointmentDraft, req.SlotDivisions, settings)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return err
	}
	appt, err := h.booking.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	var (
		f   AppointmentFilter
		err error
	)
	if f.PractitionerID, err = optionalUUID(c, "practitioner_id"); err != nil {
		return err
	}
	if f.PatientID, err = optionalUUID(c, "patient_id"); err != nil {
		return err
	}
	if f.From, err = optionalTime(c, "from"); err != nil {
		return err
	}
	if f.To, err = optionalTime(c, "to"); err != nil {
		return err
	}
	f.Status = Status(c.QueryParam("status"))

	items, total, err := h.booking.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type statusRequest struct {
	Status Status `json:"status"`
}

func (h *Handler) UpdateAppointmentStatus(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	appt, err := h.booking.Transition(c.Request().Context(), id, req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

// -- Slot divisions --

type divisionRequest struct {
	Date            CalendarDate    `json:"date"`
	Start           ClockTime       `json:"start_time"`
	End             ClockTime       `json:"end_time"`
	PractitionerIDs []uuid.UUID     `json:"practitioner_ids"`
	Divisions       []DivisionInput `json:"slot_divisions"`
}

type divisionResponse struct {
	State     DivisionState     `json:"state"`
	Complete  bool              `json:"complete"`
	Missing   []uuid.UUID       `json:"missing"`
	Errors    map[string]string `json:"errors"`
	Divisions []SlotDivision    `json:"slot_divisions,omitempty"`
}

// ValidateDivisions runs a proposed division set through the engine without
// storing anything.
func (h *Handler) ValidateDivisions(c echo.Context) error {
	var req divisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	engine, err := NewDivisionEngine(TimeWindow{Date: req.Date, Start: req.Start, End: req.End}, req.PractitionerIDs)
	if err != nil {
		return httpError(err)
	}

	resp := divisionResponse{Errors: map[string]string{}}
	for id, err := range engine.Apply(req.Divisions) {
		resp.Errors[id.String()] = err.Error()
	}
	resp.State = engine.State()
	resp.Complete = engine.IsComplete()
	resp.Missing = engine.Missing()
	if resp.Missing == nil {
		resp.Missing = []uuid.UUID{}
	}
	if resp.Complete {
		resp.Divisions, _ = engine.Payload()
	}
	return c.JSON(http.StatusOK, resp)
}

// -- Availability rules --

func (h *Handler) ListRules(c echo.Context) error {
	pid, err := parseIDParam(c, "id")
	if err != nil {
		return err
	}
	rules, err := h.rules.ListRules(c.Request().Context(), pid)
	if err != nil {
		return httpError(err)
	}
	if rules == nil {
		rules = []*WeeklyAvailabilityRule{}
	}
	return c.JSON(http.StatusOK, rules)
}

func (h *Handler) CreateRule(c echo.Context) error {
	pid, err := parseIDParam(c, "id")
	if err != nil {
		return err
	}
	var rule WeeklyAvailabilityRule
	if err := c.Bind(&rule); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rule.PractitionerID = pid
	if err := h.rules.CreateRule(c.Request().Context(), &rule); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rule)
}

func (h *Handler) DeleteRule(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return err
	}
	if err := h.rules.DeleteRule(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Blocks --

func (h *Handler) ListBlocks(c echo.Context) error {
	pid, err := parseIDParam(c, "id")
	if err != nil {
		return err
	}
	from, err := optionalTime(c, "from")
	if err != nil {
		return err
	}
	to, err := optionalTime(c, "to")
	if err != nil {
		return err
	}
	if from == nil || to == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "from and to are required")
	}
	blocks, err := h.rules.ListBlocks(c.Request().Context(), pid, *from, *to)
	if err != nil {
		return httpError(err)
	}
	if blocks == nil {
		blocks = []*AvailabilityBlock{}
	}
	return c.JSON(http.StatusOK, blocks)
}

func (h *Handler) CreateBlock(c echo.Context) error {
	pid, err := parseIDParam(c, "id")
	if err != nil {
		return err
	}
	var b AvailabilityBlock
	if err := c.Bind(&b); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b.PractitionerID = pid
	if err := h.rules.CreateBlock(c.Request().Context(), &b); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) DeleteBlock(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return err
	}
	if err := h.rules.DeleteBlock(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Settings --

func (h *Handler) GetSettings(c echo.Context) error {
	s, err := h.settings.Get(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) UpdateSettings(c echo.Context) error {
	var in Settings
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.settings.Update(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}
