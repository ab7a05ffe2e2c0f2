package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"factorlab/internal/domain"
	"factorlab/internal/report"
	"factorlab/internal/store"
)

// Backtester runs backtests and live scoring. *backtest.Engine satisfies it.
type Backtester interface {
	Run(ctx context.Context, cfg domain.BacktestConfig) (*domain.BacktestResult, error)
	ScoreLatest(ctx context.Context, code string, comb *domain.Combination, asOf time.Time, window int) (domain.DailyRecord, error)
}

// FactorCalculator computes a single factor value as of a date.
// *factor.MarketCalculator satisfies it.
type FactorCalculator interface {
	Value(ctx context.Context, name, code string, asOf time.Time, window int) (float64, error)
}

// Handler serves the factorlab REST API.
type Handler struct {
	engine   Backtester
	combos   store.CombinationStore
	results  store.ResultStore
	calc     FactorCalculator
	factors  []string
	defaults Defaults
	now      func() time.Time
	log      *slog.Logger
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithDefaults sets the values used for omitted backtest request fields.
func WithDefaults(d Defaults) HandlerOption {
	return func(h *Handler) { h.defaults = d }
}

// WithFactorNames sets the names listed by GET /api/v1/factors.
func WithFactorNames(names []string) HandlerOption {
	return func(h *Handler) { h.factors = names }
}

// WithCalculator enables GET /api/v1/factors/:name/:code.
func WithCalculator(calc FactorCalculator) HandlerOption {
	return func(h *Handler) { h.calc = calc }
}

// WithClock overrides the clock used when a score request has no as_of.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates a Handler.
func NewHandler(engine Backtester, combos store.CombinationStore, results store.ResultStore, log *slog.Logger, opts ...HandlerOption) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		engine:   engine,
		combos:   combos,
		results:  results,
		defaults: DefaultDefaults(),
		now:      time.Now,
		log:      log.With("component", "api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v1 := r.Group("/api/v1")
	v1.GET("/factors", h.ListFactors)
	v1.GET("/factors/:name/:code", h.GetFactorValue)

	combos := v1.Group("/combinations")
	combos.POST("", h.CreateCombination)
	combos.GET("", h.ListCombinations)
	combos.GET("/:id", h.GetCombination)
	combos.PUT("/:id", h.UpdateCombination)
	combos.DELETE("/:id", h.DeleteCombination)

	backtests := v1.Group("/backtests")
	backtests.POST("", h.PostBacktest)
	backtests.GET("", h.ListBacktests)
	backtests.GET("/:id", h.GetBacktest)
	backtests.GET("/:id/report", h.DownloadReport)

	v1.GET("/scores/:code", h.GetScore)
	return r
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// ---------------------------------------------------------------------------
// Factors and combinations
// ---------------------------------------------------------------------------

// ListFactors handles GET /api/v1/factors
func (h *Handler) ListFactors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.factors})
}

// GetFactorValue handles GET /api/v1/factors/:name/:code?as_of=&window=
func (h *Handler) GetFactorValue(c *gin.Context) {
	if h.calc == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "factor calculator not configured"})
		return
	}
	asOf := h.now().UTC()
	if s := c.Query("as_of"); s != "" {
		d, err := domain.ParseDate(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid as_of %q", s)})
			return
		}
		asOf = d
	}
	window := 0
	if s := c.Query("window"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid window %q", s)})
			return
		}
		window = n
	}

	v, err := h.calc.Value(c.Request.Context(), c.Param("name"), c.Param("code"), asOf, window)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"factor":     c.Param("name"),
		"stock_code": c.Param("code"),
		"as_of":      domain.DateKey(asOf),
		"window":     window,
		"value":      v,
	}})
}

// CreateCombination handles POST /api/v1/combinations
func (h *Handler) CreateCombination(c *gin.Context) {
	var req CombinationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	comb := req.toCombination()
	if err := h.combos.SaveCombination(c.Request.Context(), comb); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": comb})
}

// ListCombinations handles GET /api/v1/combinations
func (h *Handler) ListCombinations(c *gin.Context) {
	combs, err := h.combos.ListCombinations(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if combs == nil {
		combs = []domain.Combination{}
	}
	c.JSON(http.StatusOK, gin.H{"data": combs})
}

// GetCombination handles GET /api/v1/combinations/:id
func (h *Handler) GetCombination(c *gin.Context) {
	comb, err := h.combos.GetCombination(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": comb})
}

// UpdateCombination handles PUT /api/v1/combinations/:id
func (h *Handler) UpdateCombination(c *gin.Context) {
	ctx := c.Request.Context()
	existing, err := h.combos.GetCombination(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	var req CombinationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	comb := req.toCombination()
	comb.ID = existing.ID
	comb.CreatedAt = existing.CreatedAt
	if comb.CreatedBy == "" {
		comb.CreatedBy = existing.CreatedBy
	}
	if err := h.combos.SaveCombination(ctx, comb); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": comb})
}

// DeleteCombination handles DELETE /api/v1/combinations/:id
func (h *Handler) DeleteCombination(c *gin.Context) {
	if err := h.combos.DeleteCombination(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Backtests and scores
// ---------------------------------------------------------------------------

// runBacktest resolves the combination, builds the config and runs it.
func (h *Handler) runBacktest(ctx context.Context, req *BacktestRequest) (*domain.BacktestResult, error) {
	comb, err := resolveCombination(ctx, h.combos, req.CombinationID, req.CombinationName, req.Combination)
	if err != nil {
		return nil, err
	}
	cfg, err := req.toConfig(comb, h.defaults)
	if err != nil {
		return nil, err
	}
	return h.engine.Run(ctx, cfg)
}

// PostBacktest handles POST /api/v1/backtests
func (h *Handler) PostBacktest(c *gin.Context) {
	var req BacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.runBacktest(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": result})
}

// ListBacktests handles GET /api/v1/backtests?stock_code=
func (h *Handler) ListBacktests(c *gin.Context) {
	results, err := h.results.ListResults(c.Request.Context(), c.Query("stock_code"))
	if err != nil {
		h.fail(c, err)
		return
	}
	summaries := make([]ResultSummary, len(results))
	for i := range results {
		summaries[i] = summarize(&results[i])
	}
	c.JSON(http.StatusOK, gin.H{"data": summaries})
}

// GetBacktest handles GET /api/v1/backtests/:id
func (h *Handler) GetBacktest(c *gin.Context) {
	result, err := h.results.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

// DownloadReport handles GET /api/v1/backtests/:id/report
func (h *Handler) DownloadReport(c *gin.Context) {
	result, err := h.results.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.FileName(result)))
	c.Status(http.StatusOK)
	if err := report.Write(c.Writer, result); err != nil {
		h.log.Error("writing report", "result", result.ID, "error", err)
	}
}

// GetScore handles GET /api/v1/scores/:code?combination=&as_of=&normalization_window=
func (h *Handler) GetScore(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Query("combination")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "combination is required"})
		return
	}
	comb, err := h.combos.GetCombinationByName(ctx, name)
	if err != nil {
		h.fail(c, err)
		return
	}

	asOf := h.now().UTC()
	if s := c.Query("as_of"); s != "" {
		if asOf, err = domain.ParseDate(s); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid as_of %q", s)})
			return
		}
	}

	window := h.defaults.NormalizationWindow
	if s := c.Query("normalization_window"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 2 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid normalization_window %q", s)})
			return
		}
		window = n
	}

	rec, err := h.engine.ScoreLatest(ctx, c.Param("code"), comb, asOf, window)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"stock_code":  c.Param("code"),
		"combination": comb.Name,
		"date":        domain.DateKey(rec.Date),
		"score":       rec.Score,
		"close":       rec.Close,
		"window":      window,
		"factors":     rec.Factors,
	}})
}
