package service

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pricebook/internal/domain"
	"pricebook/internal/view"
)

// ViewResponse is the JSON form of a view.
type ViewResponse struct {
	Instrument string         `json:"instrument"`
	Timestamp  float64        `json:"timestamp"`
	Index      int64          `json:"index"`
	Time       float64        `json:"time"`
	Ready      bool           `json:"ready"`
	Bids       []domain.Level `json:"bids"`
	Asks       []domain.Level `json:"asks"`
}

// NewViewResponse describes v, requested for ts.
func NewViewResponse(instrument string, ts float64, v *view.View) ViewResponse {
	return ViewResponse{
		Instrument: instrument,
		Timestamp:  ts,
		Index:      v.Index(),
		Time:       v.Time(),
		Ready:      v.IsReady(),
		Bids:       v.BuyLevels(),
		Asks:       v.SellLevels(),
	}
}

// Router builds the HTTP API. metrics, when not nil, is mounted at /metrics.
func (s *MarketService) Router(metrics http.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes serves
//
//	GET /view?instrument=XBT/USD&ts=1700000000.5
//	GET /quotes?ts=1700000000.5
//	GET /instruments
func (s *MarketService) RegisterRoutes(r gin.IRoutes) {
	r.GET("/view", s.handleView)
	r.GET("/quotes", s.handleQuotes)
	r.GET("/instruments", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Instruments())
	})
}

func (s *MarketService) handleView(c *gin.Context) {
	instrument := c.Query("instrument")
	if instrument == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing instrument"})
		return
	}
	ts, ok := parseTimestamp(c)
	if !ok {
		return
	}

	v, err := s.View(c.Request.Context(), instrument, ts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewViewResponse(instrument, ts, v))
}

func (s *MarketService) handleQuotes(c *gin.Context) {
	ts, ok := parseTimestamp(c)
	if !ok {
		return
	}
	quotes, err := s.BidAsks(c.Request.Context(), ts)
	if err != nil {
		writeError(c, err)
		return
	}
	if quotes == nil {
		quotes = []Quote{}
	}
	c.JSON(http.StatusOK, quotes)
}

func parseTimestamp(c *gin.Context) (float64, bool) {
	ts, err := strconv.ParseFloat(c.Query("ts"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ts must be a unix timestamp in seconds"})
		return 0, false
	}
	return ts, true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrDataNotAvailable), errors.Is(err, ErrUnknownInstrument):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case domain.IsRetriable(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		slog.Error("View request failed", slog.String("path", c.FullPath()), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
