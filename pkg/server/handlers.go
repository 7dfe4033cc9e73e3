package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/houyuxi012/auditplane/pkg/query"
	"github.com/houyuxi012/auditplane/pkg/record"
	"github.com/houyuxi012/auditplane/pkg/sanitize"
	"github.com/houyuxi012/auditplane/pkg/store"
)

// submitRequest is a record with the timestamp widened to a string so clients
// can send epoch seconds/millis/micros/nanos or any common layout. A missing
// or unparsable timestamp falls back to server receive time.
type submitRequest struct {
	record.Record
	Timestamp string `json:"timestamp"`
}

func (r *submitRequest) toRecord() record.Record {
	rec := r.Record
	if ms := record.ParseEpochMillis(r.Timestamp); ms > 0 {
		rec.Timestamp = time.UnixMilli(ms).UTC()
	} else {
		rec.Timestamp = time.Time{}
	}
	return rec
}

// submitHandler accepts one audit record. The response reflects only the
// durable write; mirroring and forwarding are asynchronous.
func (s *HTTP) submitHandler(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	rec := req.toRecord()
	if err := rec.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.deps.Sink.Emit(c.Request.Context(), &rec); err != nil {
		s.log.Error().Err(err).Str("action", rec.Action).Msg("audit write failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit write failed"})
		return
	}

	if s.deps.Forward != nil {
		s.deps.Forward.Forward(c.Request.Context(), &rec)
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type aiRequest struct {
	submitRequest
	Prompt     string `json:"prompt"`
	Output     string `json:"output"`
	Credential string `json:"credential"`
}

// aiHandler accepts an AI interaction with raw sensitive payloads. The raws
// are reduced to hashes, a fingerprint and a masked preview before anything
// is stored; they never leave this request's memory.
func (s *HTTP) aiHandler(c *gin.Context) {
	var req aiRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	rec := req.toRecord()
	rec.Domain = record.DomainAI
	if err := rec.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	in := sanitize.Interaction{
		Record:        rec,
		RawPrompt:     req.Prompt,
		RawOutput:     req.Output,
		RawCredential: req.Credential,
	}
	if err := s.deps.AI.Record(c.Request.Context(), &in); err != nil {
		s.log.Error().Err(err).Str("action", rec.Action).Msg("ai audit write failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit write failed"})
		return
	}

	if s.deps.Forward != nil {
		forwarded := in.Record
		s.deps.Forward.Forward(c.Request.Context(), &forwarded)
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// queryHandler serves the merged read side.
func (s *HTTP) queryHandler(c *gin.Context) {
	p := query.Params{
		Domain: c.Query("domain"),
		Action: c.Query("action"),
		Actor:  c.Query("actor"),
		Source: c.Query("source"),
	}
	if v := c.Query("page"); v != "" {
		p.Page, _ = strconv.Atoi(v)
	}
	if v := c.Query("page_size"); v != "" {
		p.PageSize, _ = strconv.Atoi(v)
	}
	if ms := record.ParseEpochMillis(c.Query("start")); ms > 0 {
		p.Start = time.UnixMilli(ms).UTC()
	}
	if ms := record.ParseEpochMillis(c.Query("end")); ms > 0 {
		p.End = time.UnixMilli(ms).UTC()
	}

	res, err := s.deps.Query.Query(c.Request.Context(), p)
	if err != nil {
		s.log.Error().Err(err).Msg("audit query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *HTTP) listRulesHandler(c *gin.Context) {
	rules, err := s.deps.Rules.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing rules failed"})
		return
	}
	// Secrets are write-only.
	for i := range rules {
		rules[i].Secret = ""
	}
	c.JSON(http.StatusOK, gin.H{"items": rules})
}

func (s *HTTP) createRuleHandler(c *gin.Context) {
	var rule store.ForwardingRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	rule.ID = 0
	if err := rule.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.deps.Rules.Create(c.Request.Context(), &rule); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "creating rule failed"})
		return
	}
	s.deps.Forward.Invalidate()

	rule.Secret = ""
	c.JSON(http.StatusCreated, rule)
}

func (s *HTTP) updateRuleHandler(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule id"})
		return
	}

	var rule store.ForwardingRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	rule.ID = id
	if err := rule.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.deps.Rules.Update(c.Request.Context(), &rule); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "updating rule failed"})
		return
	}
	s.deps.Forward.Invalidate()

	rule.Secret = ""
	c.JSON(http.StatusOK, rule)
}

func (s *HTTP) deleteRuleHandler(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule id"})
		return
	}

	if err := s.deps.Rules.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deleting rule failed"})
		return
	}
	s.deps.Forward.Invalidate()

	c.Status(http.StatusNoContent)
}
