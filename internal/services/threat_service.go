package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mssola/useragent"

	"github.com/mealforge/guardian/internal/logger"
	"github.com/mealforge/guardian/internal/metrics"
	"github.com/mealforge/guardian/internal/models"
)

// SourceBlocker adds a source to the block list. Implemented by
// IncidentResponder.
type SourceBlocker interface {
	BlockSource(sourceID, reason string) error
}

// RequestInfo is the slice of an inbound request the pipeline inspects.
type RequestInfo struct {
	Method     string
	Path       string
	Query      string
	SourceID   string
	UserAgent  string
	Headers    map[string]string
	ReceivedAt time.Time
}

// RiskFactor is a single named contributor to an assessment.
type RiskFactor struct {
	Type     string          `json:"type"`
	Severity models.Severity `json:"severity"`
	Details  string          `json:"details"`
}

// ThreatAssessment is the transient per-request verdict. It is not persisted
// beyond the security event emitted for elevated risk.
type ThreatAssessment struct {
	RequestFingerprint string       `json:"request_fingerprint"`
	SourceID           string       `json:"source_id"`
	ThreatScore        float64      `json:"threat_score"`
	Confidence         float64      `json:"confidence"`
	AnomalySignals     []string     `json:"anomaly_signals"`
	Geo                *GeoInfo     `json:"geo,omitempty"`
	BotProbability     float64      `json:"bot_probability"`
	RiskFactors        []RiskFactor `json:"risk_factors"`
}

// Signal weights for the deterministic combination. Absent signals drop out
// and the remaining weights renormalize.
const (
	weightModel = 0.5
	weightBot   = 0.3
	weightGeo   = 0.2

	botConfidence = 0.7
	geoConfidence = 0.9
)

// Attack patterns checked against path and query (SQL injection, path
// traversal, script injection).
var attackPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)union\s+select`),
	regexp.MustCompile(`(?i);\s*drop\s+table`),
	regexp.MustCompile(`(?i)('|%27)\s*(or|and)\s+\d+\s*=\s*\d+`),
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`(?i)<script`),
}

var automationAgents = []string{"curl", "wget", "python-requests", "python-urllib", "go-http-client", "java/", "httpclient", "scrapy"}

// Countries flagged as elevated geo risk for this deployment.
var highRiskCountries = map[string]struct{}{
	"KP": {},
	"IR": {},
}

const (
	maxTrackedSources = 10_000
	timingHistorySize = 10
	sourceIdleExpiry  = 10 * time.Minute
)

// sourceTiming keeps recent inter-request gaps for one source so the
// pipeline can spot machine-regular cadence.
type sourceTiming struct {
	lastSeen  time.Time
	intervals []float64 // seconds, newest last
}

// ThreatService scores inbound requests for threat and anomaly risk and acts
// on high-risk findings. Assess is safe under concurrent invocation; the
// only shared mutable state is the bounded per-source timing history behind
// its own lock.
type ThreatService struct {
	model   RiskModel
	geo     GeoResolver
	events  EventRecorder
	sink    AlertPublisher
	blocker SourceBlocker

	// highRiskThreshold classifies; blockThreshold blocks. Tuned
	// independently.
	highRiskThreshold float64
	blockThreshold    float64

	timingMu sync.Mutex
	timing   map[string]*sourceTiming

	now func() time.Time
}

// NewThreatService wires the pipeline. The model and geo capabilities may be
// nil; assessment degrades to the remaining signals.
func NewThreatService(model RiskModel, geo GeoResolver, events EventRecorder, sink AlertPublisher, blocker SourceBlocker) *ThreatService {
	return &ThreatService{
		model:             model,
		geo:               geo,
		events:            events,
		sink:              sink,
		blocker:           blocker,
		highRiskThreshold: 0.8,
		blockThreshold:    0.8,
		timing:            make(map[string]*sourceTiming),
		now:               time.Now,
	}
}

// Assess scores a request. Best effort and non-blocking for the caller's
// request path: capability failures degrade to a partial assessment, and
// Assess never returns an error.
func (t *ThreatService) Assess(req RequestInfo) ThreatAssessment {
	metrics.IncAssessment()
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = t.now()
	}

	assessment := ThreatAssessment{
		RequestFingerprint: fingerprint(req),
		SourceID:           req.SourceID,
	}

	gap, regular := t.observeTiming(req.SourceID, req.ReceivedAt)

	botProb, botSignals := t.botProbability(req, regular)
	assessment.BotProbability = botProb
	assessment.AnomalySignals = append(assessment.AnomalySignals, botSignals...)

	var geoRisk float64
	geoPresent := false
	if t.geo != nil {
		info, err := t.geo.Resolve(req.SourceID)
		if err != nil {
			logger.WithFields(map[string]interface{}{"source": req.SourceID}).
				WithError(err).Debug("geo lookup unavailable, continuing without geo signal")
		} else {
			geoPresent = true
			assessment.Geo = &info
			geoRisk = geoRiskScore(info)
			if info.IsKnownVPN {
				assessment.AnomalySignals = append(assessment.AnomalySignals, "known_vpn")
			}
		}
	}

	var modelScore, modelConfidence float64
	modelPresent := false
	if t.model != nil {
		score, confidence, err := t.model.Score(featureVector(req, gap, botProb))
		if err != nil {
			logger.Log().WithError(err).Debug("risk model unavailable, continuing without model signal")
		} else {
			modelPresent = true
			modelScore = clamp01(score)
			modelConfidence = clamp01(confidence)
			if modelScore > 0.7 {
				assessment.AnomalySignals = append(assessment.AnomalySignals, "model_score_elevated")
			}
		}
	}

	assessment.RiskFactors = riskFactors(req, botProb, geoPresent, geoRisk)
	assessment.ThreatScore, assessment.Confidence = combine(
		modelPresent, modelScore, modelConfidence,
		botProb,
		geoPresent, geoRisk,
	)

	if t.IsHighRisk(assessment) {
		t.respond(req, assessment)
	}
	return assessment
}

// IsHighRisk reports whether an assessment crosses the detection threshold:
// either by combined score or by any single high-severity risk factor.
func (t *ThreatService) IsHighRisk(a ThreatAssessment) bool {
	if a.ThreatScore > t.highRiskThreshold {
		return true
	}
	for _, f := range a.RiskFactors {
		if f.Severity == models.SeverityHigh {
			return true
		}
	}
	return false
}

// respond records the detection, raises the alert and, above the stricter
// block threshold, blocks the source.
func (t *ThreatService) respond(req RequestInfo, a ThreatAssessment) {
	metrics.IncHighRisk()

	event := &models.SecurityEvent{
		Type:     models.EventThreatDetected,
		SourceID: req.SourceID,
		Severity: models.SeverityHigh,
	}
	event.SetDetails(map[string]interface{}{
		"threat_score":    a.ThreatScore,
		"confidence":      a.Confidence,
		"bot_probability": a.BotProbability,
		"fingerprint":     a.RequestFingerprint,
		"path":            req.Path,
		"signals":         a.AnomalySignals,
	})
	t.events.Record(event)

	if t.sink != nil {
		alert := &models.Alert{
			Type:           models.AlertThreatDetected,
			Severity:       models.SeverityHigh,
			SourceEventKey: models.EventThreatDetected + ":" + req.SourceID,
			Details:        fmt.Sprintf(`{"threat_score":%.2f,"path":%q}`, a.ThreatScore, req.Path),
		}
		t.sink.Publish(alert)
	}

	if a.ThreatScore > t.blockThreshold && t.blocker != nil {
		reason := fmt.Sprintf("threat score %.2f", a.ThreatScore)
		if err := t.blocker.BlockSource(req.SourceID, reason); err != nil {
			logger.WithFields(map[string]interface{}{"source": req.SourceID}).
				WithError(err).Error("failed to block high-risk source")
		}
	}
}

// observeTiming records the gap since the source's previous request and
// reports whether its recent cadence is machine-regular.
func (t *ThreatService) observeTiming(sourceID string, at time.Time) (gap float64, regular bool) {
	t.timingMu.Lock()
	defer t.timingMu.Unlock()

	if len(t.timing) > maxTrackedSources {
		t.pruneTimingLocked(at)
	}

	entry, ok := t.timing[sourceID]
	if !ok {
		t.timing[sourceID] = &sourceTiming{lastSeen: at}
		return 0, false
	}

	gap = at.Sub(entry.lastSeen).Seconds()
	entry.lastSeen = at
	entry.intervals = append(entry.intervals, gap)
	if len(entry.intervals) > timingHistorySize {
		entry.intervals = entry.intervals[len(entry.intervals)-timingHistorySize:]
	}

	return gap, cadenceRegular(entry.intervals)
}

func (t *ThreatService) pruneTimingLocked(now time.Time) {
	for id, entry := range t.timing {
		if now.Sub(entry.lastSeen) > sourceIdleExpiry {
			delete(t.timing, id)
		}
	}
	// Still above the cap after pruning idle sources: start fresh rather
	// than grow without bound.
	if len(t.timing) > maxTrackedSources {
		t.timing = make(map[string]*sourceTiming)
	}
}

// cadenceRegular flags sub-2s request cadence with very low variance, the
// signature of scripted traffic.
func cadenceRegular(intervals []float64) bool {
	if len(intervals) < 3 {
		return false
	}
	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))
	if mean <= 0 || mean >= 2.0 {
		return false
	}
	var variance float64
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(variance / float64(len(intervals)))
	return stddev/mean < 0.15
}

// botProbability combines user-agent heuristics with timing regularity.
func (t *ThreatService) botProbability(req RequestInfo, regularCadence bool) (float64, []string) {
	var prob float64
	var signals []string

	ua := strings.TrimSpace(req.UserAgent)
	switch {
	case ua == "":
		prob = 0.9
		signals = append(signals, "missing_user_agent")
	case isAutomationAgent(ua):
		prob = 0.8
		signals = append(signals, "automation_user_agent")
	default:
		parsed := useragent.New(ua)
		if parsed.Bot() {
			prob = 0.95
			signals = append(signals, "bot_user_agent")
		} else if browser, _ := parsed.Browser(); browser == "" {
			prob = 0.5
			signals = append(signals, "unrecognized_user_agent")
		} else {
			prob = 0.1
		}
	}

	if regularCadence {
		prob += 0.3
		signals = append(signals, "request_cadence_regular")
	}
	return clamp01(prob), signals
}

func isAutomationAgent(ua string) bool {
	lower := strings.ToLower(ua)
	for _, marker := range automationAgents {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func geoRiskScore(info GeoInfo) float64 {
	if info.IsKnownVPN {
		return 1.0
	}
	if _, ok := highRiskCountries[info.Country]; ok {
		return 0.7
	}
	return 0.0
}

// riskFactors derives the named contributors: attack patterns in the URL,
// suspected automation, and geo risk.
func riskFactors(req RequestInfo, botProb float64, geoPresent bool, geoRisk float64) []RiskFactor {
	var factors []RiskFactor

	target := req.Path
	if req.Query != "" {
		target += "?" + req.Query
	}
	for _, pattern := range attackPatterns {
		if pattern.MatchString(target) {
			factors = append(factors, RiskFactor{
				Type:     "attack_pattern",
				Severity: models.SeverityHigh,
				Details:  fmt.Sprintf("request target matches %s", pattern.String()),
			})
			break
		}
	}

	if botProb > 0.7 {
		factors = append(factors, RiskFactor{
			Type:     "automation_suspected",
			Severity: models.SeverityMedium,
			Details:  fmt.Sprintf("bot probability %.2f", botProb),
		})
	}

	if geoPresent && geoRisk > 0 {
		factors = append(factors, RiskFactor{
			Type:     "geo_risk",
			Severity: models.SeverityMedium,
			Details:  fmt.Sprintf("geo risk %.2f", geoRisk),
		})
	}
	return factors
}

// combine folds the available signals into one score with fixed weights,
// renormalized over the signals actually present. Confidence is the matching
// weighted mean of per-signal confidence; the rule-based signals carry fixed
// confidence. With every signal absent the result is (0, 0).
func combine(modelPresent bool, modelScore, modelConfidence, botProb float64, geoPresent bool, geoRisk float64) (score, confidence float64) {
	var totalWeight float64

	// Bot probability is always available (pure rules).
	score = weightBot * botProb
	confidence = weightBot * botConfidence
	totalWeight = weightBot

	if modelPresent {
		score += weightModel * modelScore
		confidence += weightModel * modelConfidence
		totalWeight += weightModel
	}
	if geoPresent {
		score += weightGeo * geoRisk
		confidence += weightGeo * geoConfidence
		totalWeight += weightGeo
	}

	if totalWeight == 0 {
		return 0, 0
	}
	return clamp01(score / totalWeight), clamp01(confidence / totalWeight)
}

// featureVector encodes the request for the risk model: method risk, path
// length and depth, header count, inter-request gap and bot probability.
func featureVector(req RequestInfo, gap, botProb float64) []float64 {
	return []float64{
		methodRisk(req.Method),
		float64(len(req.Path)),
		float64(strings.Count(req.Path, "/")),
		float64(len(req.Headers)),
		gap,
		botProb,
	}
}

func methodRisk(method string) float64 {
	switch strings.ToUpper(method) {
	case "GET", "HEAD", "OPTIONS":
		return 0.1
	case "POST", "PUT", "PATCH":
		return 0.5
	case "DELETE":
		return 0.7
	default:
		return 0.9
	}
}

// fingerprint hashes the request's stable shape (method, path, header names,
// user agent) so recurring probes are identifiable without storing payloads.
func fingerprint(req RequestInfo) string {
	names := make([]string, 0, len(req.Headers))
	for name := range req.Headers {
		names = append(names, strings.ToLower(name))
	}
	sort.Strings(names)

	data := fmt.Sprintf("%s|%s|%s|%s", req.Method, req.Path, strings.Join(names, ","), req.UserAgent)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
