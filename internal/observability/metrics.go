package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubmissionsCreated counts submissions persisted by the manager.
	SubmissionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedbackdesk_submissions_created_total",
		Help: "Total number of submissions created",
	})

	// SubmissionTransitions counts submission status changes and deletions.
	SubmissionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbackdesk_submission_transitions_total",
		Help: "Submission lifecycle transitions by target status",
	}, []string{"to"})

	// MessagesAppended counts conversation messages by sender role.
	MessagesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbackdesk_messages_appended_total",
		Help: "Conversation messages appended by sender role",
	}, []string{"role"})

	// BansIssued counts bans by reason and escalation tier.
	BansIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbackdesk_bans_issued_total",
		Help: "Bans issued by reason and tier",
	}, []string{"reason", "tier"})

	// AbuseTriggers counts detector triggers, including rejected ones against staff.
	AbuseTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbackdesk_abuse_triggers_total",
		Help: "Abuse detector triggers by reason",
	}, []string{"reason"})

	// TrackedUsers is the number of users with live detector state.
	TrackedUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedbackdesk_abuse_tracked_users",
		Help: "Users currently tracked by the abuse detector",
	})

	// ActiveDrafts is the number of in-flight drafts.
	ActiveDrafts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedbackdesk_active_drafts",
		Help: "Drafts currently being accumulated",
	})

	// DraftsExpired counts drafts dropped by the idle sweeper.
	DraftsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedbackdesk_drafts_expired_total",
		Help: "Drafts dropped after the idle timeout",
	})

	// StoreErrors counts store failures surfaced as StoreUnavailable.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbackdesk_store_errors_total",
		Help: "Store failures by operation",
	}, []string{"operation"})

	// DeliveryFailures counts outbound deliveries that failed.
	DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbackdesk_delivery_failures_total",
		Help: "Outbound delivery failures by kind",
	}, []string{"kind"})

	// RedisErrors counts failed Redis commands by command name.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbackdesk_redis_errors_total",
		Help: "Redis command failures",
	}, []string{"command"})

	// InboundEvents counts processed inbound chat events by kind and outcome.
	InboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbackdesk_inbound_events_total",
		Help: "Inbound chat events by kind and outcome",
	}, []string{"kind", "outcome"})
)
