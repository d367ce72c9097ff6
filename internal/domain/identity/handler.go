package identity

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/empi/empi/internal/correlate"
	"github.com/empi/empi/internal/domain/person"
	"github.com/empi/empi/internal/domain/review"
	"github.com/empi/empi/internal/platform/auth"
	"github.com/empi/empi/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	role := auth.RequireRole("admin", "mpi-clerk")
	g := api.Group("", role)

	g.POST("/persons", h.ProcessInbound)
	g.POST("/persons/$add", h.AddPerson)
	g.GET("/persons/:oid", h.GetPerson)
	g.PUT("/persons/:oid", h.UpdatePerson)
	g.DELETE("/persons/:oid", h.RemovePerson)
	g.GET("/persons/corp/:domain/:corpid", h.GetPersonByCorpID)
	g.POST("/persons/$merge", h.MergePersons)
	g.POST("/persons/:oid/$split", h.SplitPerson)
	g.POST("/persons/$update-eid", h.UpdateEID)
	g.POST("/persons/$find-candidates", h.FindCandidates)

	g.POST("/query/start", h.QueryStart)
	g.POST("/query/:sid/next", h.QueryNext)
	g.DELETE("/query/:sid", h.QueryEnd)

	g.POST("/reviews", h.SubmitReview)
	g.GET("/reviews", h.GetAllReviews)
	g.GET("/reviews/system", h.GetSystemReviews)
	g.GET("/reviews/exists", h.HasReviews)
	g.GET("/reviews/:domain", h.GetReviews)
	g.DELETE("/reviews/:id", h.DeleteReview)
}

func (h *Handler) ProcessInbound(c echo.Context) error {
	var p person.Person
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resolved, err := h.svc.ProcessInbound(c.Request().Context(), &p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resolved)
}

// AddPerson inserts a new identity directly, skipping resolution. Intended
// for administrative backfill; regular feeds go through ProcessInbound.
func (h *Handler) AddPerson(c echo.Context) error {
	var p person.Person
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	added, err := h.svc.AddPerson(c.Request().Context(), &p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, added)
}

func (h *Handler) GetPerson(c echo.Context) error {
	oid, err := uuid.Parse(c.Param("oid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid oid")
	}
	p, err := h.svc.GetPersonByOID(c.Request().Context(), oid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetPersonByCorpID(c echo.Context) error {
	p, err := h.svc.GetPersonByCorpID(c.Request().Context(), c.Param("domain"), c.Param("corpid"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdatePerson(c echo.Context) error {
	oid, err := uuid.Parse(c.Param("oid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid oid")
	}
	var p person.Person
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.OID = oid
	updated, err := h.svc.UpdatePerson(c.Request().Context(), &p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) RemovePerson(c echo.Context) error {
	oid, err := uuid.Parse(c.Param("oid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid oid")
	}
	if err := h.svc.RemovePerson(c.Request().Context(), oid); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type mergeRequest struct {
	// OIDs lists the identities to merge; the first one survives.
	OIDs []uuid.UUID `json:"oids"`
}

func (h *Handler) MergePersons(c echo.Context) error {
	var req mergeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	merged, err := h.svc.MergePersons(c.Request().Context(), req.OIDs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, merged)
}

type splitRequest struct {
	HeaderIDs []uuid.UUID `json:"header_ids"`
}

func (h *Handler) SplitPerson(c echo.Context) error {
	oid, err := uuid.Parse(c.Param("oid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid oid")
	}
	var req splitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	newOID, err := h.svc.SplitPerson(c.Request().Context(), oid, req.HeaderIDs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]any{"oid": newOID})
}

type updateEIDRequest struct {
	Domain     string `json:"domain"`
	Facility   string `json:"facility"`
	OldLocalID string `json:"old_local_id"`
	NewLocalID string `json:"new_local_id"`
	OldEID     string `json:"old_eid"`
	NewEID     string `json:"new_eid"`
}

func (h *Handler) UpdateEID(c echo.Context) error {
	var req updateEIDRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	updated, err := h.svc.UpdateEID(c.Request().Context(),
		req.Domain, req.Facility, req.OldLocalID, req.NewLocalID, req.OldEID, req.NewEID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"rows_updated": updated})
}

type candidateRequest struct {
	Person     person.Person `json:"person"`
	Confidence *float64      `json:"confidence,omitempty"`
	Max        *int          `json:"max,omitempty"`
}

func (h *Handler) FindCandidates(c echo.Context) error {
	var req candidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	confidence, max := -1.0, -1
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	if req.Max != nil {
		max = *req.Max
	}
	matches, err := h.svc.FindCandidates(c.Request().Context(), &req.Person, confidence, max)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, matches)
}

func (h *Handler) QueryStart(c echo.Context) error {
	var req candidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	confidence := -1.0
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	sid, err := h.svc.QueryStart(c.Request().Context(), &req.Person, confidence)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"session_id": sid})
}

func (h *Handler) QueryNext(c echo.Context) error {
	n, _ := strconv.Atoi(c.QueryParam("n"))
	if n <= 0 {
		n = pagination.DefaultLimit
	}
	matches, err := h.svc.QueryNext(c.Request().Context(), c.Param("sid"), n)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, matches)
}

func (h *Handler) QueryEnd(c echo.Context) error {
	if err := h.svc.QueryEnd(c.Param("sid")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SubmitReview(c echo.Context) error {
	var r review.PersonReview
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if claims := auth.ClaimsFrom(c); claims != nil && r.SubmittedBy == "" {
		r.SubmittedBy = claims.Name
	}
	if err := h.svc.SubmitReview(c.Request().Context(), &r); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) GetAllReviews(c echo.Context) error {
	reviews, err := h.svc.GetAllReviews(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	pg := pagination.FromContext(c)
	page := pagination.Page(reviews, pg)
	return c.JSON(http.StatusOK, pagination.NewResponse(page, len(reviews), pg.Limit, pg.Offset))
}

func (h *Handler) GetSystemReviews(c echo.Context) error {
	reviews, err := h.svc.GetSystemReviews(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, reviews)
}

func (h *Handler) GetReviews(c echo.Context) error {
	reviews, err := h.svc.GetReviews(c.Request().Context(), c.Param("domain"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, reviews)
}

func (h *Handler) HasReviews(c echo.Context) error {
	oid, err := uuid.Parse(c.QueryParam("oid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid oid")
	}
	exists, err := h.svc.HasReviews(c.Request().Context(), c.QueryParam("description"), oid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"exists": exists})
}

func (h *Handler) DeleteReview(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid review id")
	}
	if err := h.svc.DeleteReview(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// httpError maps domain errors onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, person.ErrInvalidPerson):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, person.ErrNotFound), errors.Is(err, review.ErrNotFound),
		errors.Is(err, correlate.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, person.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, correlate.ErrSessionEnded):
		return echo.NewHTTPError(http.StatusGone, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
