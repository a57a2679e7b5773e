package api

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/claimscope/internal/analysis"
	"github.com/opensource-finance/claimscope/internal/domain"
	"github.com/opensource-finance/claimscope/internal/export"
	"github.com/opensource-finance/claimscope/internal/portfolio"
)

// CacheHeader reports whether a report came from the cache.
const CacheHeader = "X-Cache"

// ReportResponse is a rendered report of one portfolio revision.
type ReportResponse struct {
	PortfolioID string `json:"portfolioId"`
	Cached      bool   `json:"cached"`
	*domain.CachedReport
}

// ListReports returns the registered report names.
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	names := analysis.Reports()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reports": names,
		"count":   len(names),
	})
}

// GetReport handles GET /portfolios/{portfolio}/reports/{report}.
// Report parameters are read from the query string.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	h.serveReport(w, r, chi.URLParam(r, "report"), r.URL.Query())
}

// GetDimensionReport handles GET /portfolios/{portfolio}/reports/dimension/{dimension}.
func (h *Handler) GetDimensionReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	q.Set("dimension", chi.URLParam(r, "dimension"))
	h.serveReport(w, r, analysis.ReportDimension, q)
}

// GetDimensionPairReport handles GET /portfolios/{portfolio}/reports/dimension/{first}/{second}.
func (h *Handler) GetDimensionPairReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	q.Set("first", chi.URLParam(r, "first"))
	q.Set("second", chi.URLParam(r, "second"))
	h.serveReport(w, r, analysis.ReportDimensionPair, q)
}

func (h *Handler) serveReport(w http.ResponseWriter, r *http.Request, name string, q url.Values) {
	ctx := r.Context()
	portfolioID := GetPortfolioID(ctx)

	report, cached, err := h.svc.Report(ctx, portfolioID, name, q)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if cached {
		w.Header().Set(CacheHeader, "HIT")
	} else {
		w.Header().Set(CacheHeader, "MISS")
	}
	writeJSON(w, http.StatusOK, ReportResponse{
		PortfolioID:  portfolioID,
		Cached:       cached,
		CachedReport: report,
	})
}

// GetSegment handles GET /portfolios/{portfolio}/segment.
// format=csv or format=xlsx returns the listing as a download.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	portfolioID := GetPortfolioID(ctx)
	q := r.URL.Query()

	filter, err := parseSegmentFilter(q)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	var format export.Format
	if v := q.Get("format"); v != "" && v != "json" {
		if format, err = export.ParseFormat(v); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
	}

	res, err := h.svc.Segment(ctx, portfolioID, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if format == "" {
		writeJSON(w, http.StatusOK, res)
		return
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, format, res); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", format.Filename(portfolioID)))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func parseSegmentFilter(q url.Values) (portfolio.SegmentFilter, error) {
	var f portfolio.SegmentFilter
	var err error

	if f.MinScore, err = optionalInt(q, "min_score"); err != nil {
		return f, err
	}
	if f.MaxScore, err = optionalInt(q, "max_score"); err != nil {
		return f, err
	}
	if f.MinCredit, err = optionalFloat(q, "min_credit"); err != nil {
		return f, err
	}
	if f.MaxCredit, err = optionalFloat(q, "max_credit"); err != nil {
		return f, err
	}
	f.Ages = listParam(q, "ages")
	f.Incomes = listParam(q, "incomes")
	f.Experiences = listParam(q, "experiences")
	return f, nil
}

func optionalInt(q url.Values, key string) (*int, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("%s must be an integer", key)
	}
	return &n, nil
}

func optionalFloat(q url.Values, key string) (*float64, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("%s must be a number", key)
	}
	return &n, nil
}

// listParam accepts both repeated keys and comma separated values.
func listParam(q url.Values, key string) []string {
	var out []string
	for _, v := range q[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
