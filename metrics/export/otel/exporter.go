package otel

import (
	"context"
	"errors"
	"fmt"

	hoaauth "github.com/strataboard/hoaauth"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type counterDef struct {
	ID   hoaauth.MetricID
	Name string
	Help string
}

var counterDefs = []counterDef{
	{hoaauth.MetricLoginSuccess, "hoaauth_login_success_total", "Completed password logins."},
	{hoaauth.MetricLoginFailure, "hoaauth_login_failure_total", "Rejected credential checks."},
	{hoaauth.MetricLoginLockout, "hoaauth_login_lockout_total", "Attempts rejected while locked plus lock transitions."},
	{hoaauth.MetricRefreshSuccess, "hoaauth_refresh_success_total", "Completed refresh rotations."},
	{hoaauth.MetricRefreshFailure, "hoaauth_refresh_failure_total", "Rejected rotations other than reuse."},
	{hoaauth.MetricRefreshReuseDetected, "hoaauth_refresh_reuse_detected_total", "Chain burns triggered by refresh token reuse."},
	{hoaauth.MetricValidateSuccess, "hoaauth_validate_success_total", "Access tokens that validated cleanly."},
	{hoaauth.MetricValidateRejected, "hoaauth_validate_rejected_total", "Access tokens rejected for any reason."},
	{hoaauth.MetricAuthorizeDenied, "hoaauth_authorize_denied_total", "Policy denials on validated tokens."},
	{hoaauth.MetricMfaChallengeIssued, "hoaauth_mfa_challenge_issued_total", "Issued second-factor challenges."},
	{hoaauth.MetricMfaSuccess, "hoaauth_mfa_success_total", "Verified second-factor challenges."},
	{hoaauth.MetricMfaFailure, "hoaauth_mfa_failure_total", "Wrong MFA codes with attempts remaining."},
	{hoaauth.MetricMfaExhausted, "hoaauth_mfa_exhausted_total", "Challenges that ran out of attempts."},
	{hoaauth.MetricExternalLoginSuccess, "hoaauth_external_login_success_total", "Completed federated logins."},
	{hoaauth.MetricExternalLinkCreated, "hoaauth_external_link_created_total", "External identities linked to local accounts."},
	{hoaauth.MetricExternalLinkConflict, "hoaauth_external_link_conflict_total", "Email-collision link conflicts."},
	{hoaauth.MetricLogout, "hoaauth_logout_total", "Single-device logouts."},
	{hoaauth.MetricLogoutAll, "hoaauth_logout_all_total", "Logout-all epoch bumps."},
	{hoaauth.MetricEpochBump, "hoaauth_epoch_bump_total", "Epoch bumps, whatever the trigger."},
	{hoaauth.MetricChainRevoked, "hoaauth_chain_revoked_total", "Refresh chains revoked."},
	{hoaauth.MetricKeySigningUnavailable, "hoaauth_key_signing_unavailable_total", "Issuance failures due to the keyring."},
}

// histogramBoundSuffix mirrors the engine's validate-latency bucket bounds.
var histogramBoundSuffix = [8]string{"5ms", "10ms", "25ms", "50ms", "100ms", "250ms", "500ms", "inf"}

const validateLatencyName = "hoaauth_validate_latency"

type metricsSource interface {
	MetricsSnapshot() hoaauth.MetricsSnapshot
	AuditDropped() uint64
}

type observedCounter struct {
	id         hoaauth.MetricID
	instrument metric.Int64ObservableCounter
}

type observedHistogram struct {
	id      hoaauth.MetricID
	buckets [8]metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
}

// OTelExporter bridges engine counters into an OpenTelemetry meter through a
// single registered callback.
type OTelExporter struct {
	source       metricsSource
	registration metric.Registration
	counters     []observedCounter
	latency      observedHistogram
	auditDropped metric.Int64ObservableCounter
}

func NewOTelExporter(meter metric.Meter, engine *hoaauth.Engine) (*OTelExporter, error) {
	return NewOTelExporterFromSource(meter, engine)
}

func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exporter := &OTelExporter{
		source:   source,
		counters: make([]observedCounter, 0, len(counterDefs)),
		latency:  observedHistogram{id: hoaauth.MetricValidateLatency},
	}

	observables := make([]metric.Observable, 0, len(counterDefs)+len(histogramBoundSuffix)+2)

	for _, def := range counterDefs {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", def.Name, err)
		}
		exporter.counters = append(exporter.counters, observedCounter{id: def.ID, instrument: ins})
		observables = append(observables, ins)
	}

	for i := 0; i < len(histogramBoundSuffix); i++ {
		name := validateLatencyName + "_bucket_le_" + histogramBoundSuffix[i]
		ins, err := meter.Int64ObservableGauge(name, metric.WithDescription("Cumulative histogram bucket count."))
		if err != nil {
			return nil, fmt.Errorf("create histogram bucket gauge %s: %w", name, err)
		}
		exporter.latency.buckets[i] = ins
		observables = append(observables, ins)
	}
	countIns, err := meter.Int64ObservableGauge(validateLatencyName+"_count", metric.WithDescription("Histogram total sample count."))
	if err != nil {
		return nil, fmt.Errorf("create histogram count gauge: %w", err)
	}
	exporter.latency.count = countIns
	observables = append(observables, countIns)

	auditDropped, err := meter.Int64ObservableCounter(
		"hoaauth_audit_dropped_total",
		metric.WithDescription("Dropped audit events due to dispatcher backpressure."),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	exporter.auditDropped = auditDropped
	observables = append(observables, auditDropped)

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := exporter.source.MetricsSnapshot()
		for _, c := range exporter.counters {
			observer.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
		}
		cumulative := cumulativeBuckets(snapshot.Histograms[exporter.latency.id])
		for i := 0; i < len(cumulative); i++ {
			observer.ObserveInt64(exporter.latency.buckets[i], int64(cumulative[i]))
		}
		observer.ObserveInt64(exporter.latency.count, int64(cumulative[len(cumulative)-1]))
		observer.ObserveInt64(exporter.auditDropped, int64(exporter.source.AuditDropped()))
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	exporter.registration = registration
	return exporter, nil
}

// cumulativeBuckets converts per-bucket counts into the cumulative form OTel
// gauges expose. Missing or short input observes as all-zero.
func cumulativeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(out); i++ {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}

func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
