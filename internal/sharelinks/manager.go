// Package sharelinks runs the share-link lifecycle: a designer creates a link
// for a client, the client submits measurements through it once within the
// creation window, and may then correct them within a shorter update window.
package sharelinks

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/measurements"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/validation"
	"go.uber.org/zap"
)

var (
	ErrLinkNotFound = errors.New("sharelinks: link not found")
	ErrLinkExpired  = errors.New("sharelinks: link expired")

	// ErrPersistence marks storage failures the caller may retry.
	ErrPersistence = errors.New("sharelinks: persistence failure")

	errMissingStore      = errors.New("store is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingBaseURL    = errors.New("public base url is required")
)

const (
	DefaultCreationWindow = 72 * time.Hour
	DefaultUpdateWindow   = 2 * time.Hour

	MessageSubmitted = "Measurements submitted successfully"
	MessageUpdated   = "Measurements updated successfully"

	notificationTimeout = 10 * time.Second
	fillPath            = "/measurements/fill"
)

const (
	opManagerNew = "sharelinks.manager.new"
	opCreateLink = "sharelinks.create"
	opGetContext = "sharelinks.get_context"
	opSubmit     = "sharelinks.submit"
	opListLinks  = "sharelinks.list"
)

// Realtime event types published after submissions.
const (
	EventMeasurementSubmitted = "measurement-submitted"
	EventMeasurementUpdated   = "measurement-updated"
)

// Event tells a designer that a client used one of their links.
type Event struct {
	Type          string
	DesignerID    string
	ClientID      string
	LinkID        string
	MeasurementID string
	OccurredAt    time.Time
}

// EventPublisher fans events out to connected designers.
type EventPublisher interface {
	PublishLinkEvent(event Event)
}

// Publishers delivers each event to every publisher in order.
type Publishers []EventPublisher

// PublishLinkEvent implements EventPublisher.
func (p Publishers) PublishLinkEvent(event Event) {
	for _, publisher := range p {
		publisher.PublishLinkEvent(event)
	}
}

// Metrics counts lifecycle outcomes.
type Metrics interface {
	ObserveShareLink(operation, outcome string)
	NotificationFailed(channel string)
}

// ManagerConfig describes the collaborators of the manager.
type ManagerConfig struct {
	Store          Store
	IDProvider     ids.Provider
	Tokens         TokenGenerator
	Clock          func() time.Time
	CreationWindow time.Duration
	UpdateWindow   time.Duration
	PublicBaseURL  string
	Texts          notify.TextSender
	Emails         notify.EmailSender
	Audit          audit.Recorder
	Events         EventPublisher
	Metrics        Metrics
	Logger         *zap.Logger
}

// Manager owns the share-link rules.
type Manager struct {
	store          Store
	idProvider     ids.Provider
	tokens         TokenGenerator
	now            func() time.Time
	creationWindow time.Duration
	updateWindow   time.Duration
	baseURL        string
	texts          notify.TextSender
	emails         notify.EmailSender
	audit          audit.Recorder
	events         EventPublisher
	metrics        Metrics
	logger         *zap.Logger
}

// NewManager validates cfg and fills defaults for optional collaborators.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, serviceerror.New(opManagerNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, serviceerror.New(opManagerNew, "missing_id_provider", errMissingIDProvider)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if baseURL == "" {
		return nil, serviceerror.New(opManagerNew, "missing_base_url", errMissingBaseURL)
	}
	manager := &Manager{
		store:          cfg.Store,
		idProvider:     cfg.IDProvider,
		tokens:         cfg.Tokens,
		now:            cfg.Clock,
		creationWindow: cfg.CreationWindow,
		updateWindow:   cfg.UpdateWindow,
		baseURL:        baseURL,
		texts:          cfg.Texts,
		emails:         cfg.Emails,
		audit:          cfg.Audit,
		events:         cfg.Events,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
	}
	if manager.tokens == nil {
		manager.tokens = NewToken
	}
	if manager.now == nil {
		manager.now = time.Now
	}
	if manager.creationWindow <= 0 {
		manager.creationWindow = DefaultCreationWindow
	}
	if manager.updateWindow <= 0 {
		manager.updateWindow = DefaultUpdateWindow
	}
	if manager.logger == nil {
		manager.logger = zap.NewNop()
	}
	if manager.texts == nil {
		manager.texts = notify.LogSender{Logger: manager.logger}
	}
	if manager.emails == nil {
		manager.emails = notify.LogSender{Logger: manager.logger}
	}
	if manager.audit == nil {
		manager.audit = audit.Discard{}
	}
	return manager, nil
}

// SharableURL is the form address a client opens.
func (m *Manager) SharableURL(token string) string {
	return m.baseURL + fillPath + "?token=" + url.QueryEscape(token)
}

// CreateLink issues a fresh unused link. The caller has already checked that
// the requesting user may act for designerID on clientID.
func (m *Manager) CreateLink(ctx context.Context, clientID, designerID string, request audit.RequestContext) (CreatedLink, error) {
	clientID = strings.TrimSpace(clientID)
	designerID = strings.TrimSpace(designerID)
	if clientID == "" {
		return CreatedLink{}, validation.NewRequestValidationError(validation.FieldError{
			Field:   "clientId",
			Tag:     "required",
			Message: "clientId is required",
		})
	}
	if designerID == "" {
		return CreatedLink{}, validation.NewRequestValidationError(validation.FieldError{
			Field:   "designerId",
			Tag:     "required",
			Message: "designerId is required",
		})
	}

	token, err := m.tokens()
	if err != nil {
		m.logError(opCreateLink, "token_generation_failed", err)
		return CreatedLink{}, serviceerror.New(opCreateLink, "token_generation_failed", err)
	}
	id, err := m.idProvider.NewID()
	if err != nil {
		return CreatedLink{}, serviceerror.New(opCreateLink, "id_generation_failed", err)
	}

	now := m.now().UTC()
	link := ShareLink{
		ID:         id,
		Token:      token,
		ClientID:   clientID,
		DesignerID: designerID,
		ExpiresAt:  now.Add(m.creationWindow),
		CreatedAt:  now,
	}
	if err := m.store.CreateLink(ctx, &link); err != nil {
		m.logError(opCreateLink, "insert_failed", err, zap.String("client_id", clientID))
		m.observe("create", "persistence_failure")
		return CreatedLink{}, m.persistenceError(opCreateLink, "insert_failed", err)
	}

	m.observe("create", "created")
	m.audit.Record(ctx, audit.Entry{
		Action:    audit.ActionLinkCreated,
		ActorID:   designerID,
		SubjectID: link.ID,
		Detail:    "client " + clientID,
	}, request)
	return CreatedLink{
		Token:       link.Token,
		SharableURL: m.SharableURL(link.Token),
		ExpiresAt:   link.ExpiresAt,
	}, nil
}

// Resolve loads a link and checks it is still usable at the current time.
func (m *Manager) Resolve(ctx context.Context, token string) (ShareLink, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return ShareLink{}, ErrLinkNotFound
	}
	link, err := m.store.FindByToken(ctx, token)
	if errors.Is(err, ErrLinkNotFound) {
		return ShareLink{}, ErrLinkNotFound
	}
	if err != nil {
		m.logError(opGetContext, "lookup_failed", err)
		return ShareLink{}, m.persistenceError(opGetContext, "lookup_failed", err)
	}
	if link.State(m.now()) == StateExpired {
		return ShareLink{}, ErrLinkExpired
	}
	return link, nil
}

// GetLinkContext returns what the form needs to render. It never writes.
func (m *Manager) GetLinkContext(ctx context.Context, token string) (LinkContext, error) {
	link, err := m.Resolve(ctx, token)
	if err != nil {
		m.observe("read", outcomeOf(err))
		return LinkContext{}, err
	}

	participants, err := m.store.LoadParticipants(ctx, link)
	if err != nil {
		m.logError(opGetContext, "participants_lookup_failed", err, zap.String("link_id", link.ID))
		m.observe("read", "persistence_failure")
		return LinkContext{}, m.persistenceError(opGetContext, "participants_lookup_failed", err)
	}

	linkContext := LinkContext{
		ClientName:      participants.ClientName,
		DesignerName:    participants.DesignerName,
		MeasurementUnit: participants.MeasurementUnit,
		ExpiresAt:       link.ExpiresAt,
		UpdateWindowEnd: link.UpdateWindowEnd,
	}
	if link.Used() {
		record, err := m.store.FindMeasurement(ctx, *link.MeasurementID)
		if errors.Is(err, measurements.ErrMeasurementNotFound) {
			m.observe("read", "expired")
			return LinkContext{}, ErrLinkExpired
		}
		if err != nil {
			m.logError(opGetContext, "measurement_lookup_failed", err, zap.String("link_id", link.ID))
			m.observe("read", "persistence_failure")
			return LinkContext{}, m.persistenceError(opGetContext, "measurement_lookup_failed", err)
		}
		linkContext.Measurement = &record
	}
	m.observe("read", "ok")
	return linkContext, nil
}

// Submit applies a client's measurements. The first submission creates the
// measurement and opens the update window; later ones inside the window
// update that same measurement.
func (m *Manager) Submit(ctx context.Context, token string, payload measurements.Payload, request audit.RequestContext) (SubmitResult, error) {
	link, err := m.Resolve(ctx, token)
	if err != nil {
		m.observe("submit", outcomeOf(err))
		return SubmitResult{}, err
	}
	if payload.IsEmpty() {
		m.observe("submit", "invalid")
		return SubmitResult{}, validation.NewRequestValidationError(validation.FieldError{
			Field:   "body",
			Tag:     "required",
			Message: "at least one measurement or notes is required",
		})
	}

	now := m.now().UTC()
	var result SubmitResult
	if link.Used() {
		result, err = m.update(ctx, link, payload, now, request)
	} else {
		result, err = m.create(ctx, link, payload, now, request)
	}
	switch {
	case err != nil:
		m.observe("submit", outcomeOf(err))
	case result.Created:
		m.observe("submit", "created")
	default:
		m.observe("submit", "updated")
	}
	return result, err
}

func (m *Manager) create(ctx context.Context, link ShareLink, payload measurements.Payload, now time.Time, request audit.RequestContext) (SubmitResult, error) {
	measurementID, err := m.idProvider.NewID()
	if err != nil {
		return SubmitResult{}, serviceerror.New(opSubmit, "id_generation_failed", err)
	}
	record := measurements.Measurement{
		ID:        measurementID,
		ClientID:  link.ClientID,
		CreatedBy: link.DesignerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	record.Apply(payload)

	// The measurement must exist before the link points at it.
	if err := m.store.CreateMeasurement(ctx, &record); err != nil {
		m.logError(opSubmit, "measurement_create_failed", err, zap.String("link_id", link.ID))
		return SubmitResult{}, m.persistenceError(opSubmit, "measurement_create_failed", err)
	}

	windowEnd := now.Add(m.updateWindow)
	won, err := m.store.MarkUsed(ctx, link.ID, record.ID, windowEnd)
	if err != nil {
		m.logError(opSubmit, "link_update_failed", err,
			zap.String("link_id", link.ID),
			zap.String("orphaned_measurement_id", record.ID),
		)
		return SubmitResult{}, m.persistenceError(opSubmit, "link_update_failed", err)
	}
	if !won {
		return m.resolveLostRace(ctx, link, record.ID, payload, now, request)
	}

	link.MeasurementID = &record.ID
	link.UpdateWindowEnd = &windowEnd
	m.audit.Record(ctx, audit.Entry{
		Action:    audit.ActionMeasurementSubmit,
		SubjectID: link.ID,
		Detail:    "measurement " + record.ID,
	}, request)
	m.publish(EventMeasurementSubmitted, link, record.ID, now)
	m.notifySubmission(ctx, link)

	return SubmitResult{Message: MessageSubmitted, MeasurementID: record.ID, Created: true}, nil
}

// resolveLostRace handles a concurrent submission that marked the link used
// between our check and our write: our measurement is dropped and the payload
// lands on the winner's measurement instead.
func (m *Manager) resolveLostRace(ctx context.Context, link ShareLink, orphanID string, payload measurements.Payload, now time.Time, request audit.RequestContext) (SubmitResult, error) {
	if err := m.store.DeleteMeasurement(ctx, orphanID); err != nil {
		m.logger.Warn("failed to delete orphaned measurement",
			zap.String("link_id", link.ID),
			zap.String("measurement_id", orphanID),
			zap.Error(err),
		)
	}

	current, err := m.store.FindByToken(ctx, link.Token)
	if err != nil {
		m.logError(opSubmit, "link_reload_failed", err, zap.String("link_id", link.ID))
		return SubmitResult{}, m.persistenceError(opSubmit, "link_reload_failed", err)
	}
	if current.State(now) != StateUsed {
		return SubmitResult{}, ErrLinkExpired
	}
	m.logger.Info("concurrent share link submission merged",
		zap.String("link_id", link.ID),
		zap.String("measurement_id", *current.MeasurementID),
	)
	return m.update(ctx, current, payload, now, request)
}

func (m *Manager) update(ctx context.Context, link ShareLink, payload measurements.Payload, now time.Time, request audit.RequestContext) (SubmitResult, error) {
	record, err := m.store.FindMeasurement(ctx, *link.MeasurementID)
	if errors.Is(err, measurements.ErrMeasurementNotFound) {
		return SubmitResult{}, ErrLinkExpired
	}
	if err != nil {
		m.logError(opSubmit, "measurement_lookup_failed", err, zap.String("link_id", link.ID))
		return SubmitResult{}, m.persistenceError(opSubmit, "measurement_lookup_failed", err)
	}

	record.Apply(payload)
	record.UpdatedAt = now
	if err := m.store.SaveMeasurement(ctx, &record); err != nil {
		if errors.Is(err, measurements.ErrMeasurementNotFound) {
			return SubmitResult{}, ErrLinkExpired
		}
		m.logError(opSubmit, "measurement_update_failed", err, zap.String("link_id", link.ID))
		return SubmitResult{}, m.persistenceError(opSubmit, "measurement_update_failed", err)
	}

	m.audit.Record(ctx, audit.Entry{
		Action:    audit.ActionMeasurementUpdate,
		SubjectID: link.ID,
		Detail:    "measurement " + record.ID,
	}, request)
	m.publish(EventMeasurementUpdated, link, record.ID, now)
	return SubmitResult{Message: MessageUpdated, MeasurementID: record.ID}, nil
}

// ListLinks returns a client's links, newest first, with derived states.
func (m *Manager) ListLinks(ctx context.Context, clientID string) ([]Summary, error) {
	links, err := m.store.ListForClient(ctx, clientID)
	if err != nil {
		m.logError(opListLinks, "query_failed", err, zap.String("client_id", clientID))
		return nil, m.persistenceError(opListLinks, "query_failed", err)
	}
	now := m.now()
	summaries := make([]Summary, 0, len(links))
	for _, link := range links {
		summaries = append(summaries, Summary{
			ID:              link.ID,
			Token:           link.Token,
			SharableURL:     m.SharableURL(link.Token),
			State:           link.State(now),
			ExpiresAt:       link.ExpiresAt,
			MeasurementID:   link.MeasurementID,
			UpdateWindowEnd: link.UpdateWindowEnd,
			CreatedAt:       link.CreatedAt,
		})
	}
	return summaries, nil
}

// LinkStates counts links per lifecycle state.
func (m *Manager) LinkStates(ctx context.Context) (map[string]int64, error) {
	return m.store.CountByState(ctx, m.now().UTC())
}

// notifySubmission tells the client about the update window and the designer
// about the new measurement. Failures are logged and counted only.
func (m *Manager) notifySubmission(ctx context.Context, link ShareLink) {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notificationTimeout)
	defer cancel()

	participants, err := m.store.LoadParticipants(notifyCtx, link)
	if err != nil {
		m.logger.Warn("share link notification skipped", zap.String("link_id", link.ID), zap.Error(err))
		m.notificationFailed("lookup")
		return
	}

	if participants.ClientPhone != "" {
		message := fmt.Sprintf(
			"Hi %s, your measurements for %s were received. You can correct them with the same link for the next %s.",
			participants.ClientName, participants.DesignerName, humanDuration(m.updateWindow),
		)
		if err := m.texts.SendText(notifyCtx, participants.ClientPhone, message); err != nil {
			m.logger.Warn("share link sms failed", zap.String("link_id", link.ID), zap.Error(err))
			m.notificationFailed("sms")
		}
	}

	if participants.DesignerEmail != "" {
		subject := fmt.Sprintf("New measurements from %s", participants.ClientName)
		body := fmt.Sprintf(
			"%s submitted measurements through a share link.\n\nThey can correct them until %s.\n",
			participants.ClientName, link.UpdateWindowEnd.UTC().Format(time.RFC1123),
		)
		if err := m.emails.SendEmail(notifyCtx, []string{participants.DesignerEmail}, subject, body); err != nil {
			m.logger.Warn("share link email failed", zap.String("link_id", link.ID), zap.Error(err))
			m.notificationFailed("email")
		}
	}
}

func (m *Manager) publish(eventType string, link ShareLink, measurementID string, now time.Time) {
	if m.events == nil {
		return
	}
	m.events.PublishLinkEvent(Event{
		Type:          eventType,
		DesignerID:    link.DesignerID,
		ClientID:      link.ClientID,
		LinkID:        link.ID,
		MeasurementID: measurementID,
		OccurredAt:    now,
	})
}

func (m *Manager) observe(operation, outcome string) {
	if m.metrics != nil {
		m.metrics.ObserveShareLink(operation, outcome)
	}
}

func (m *Manager) notificationFailed(channel string) {
	if m.metrics != nil {
		m.metrics.NotificationFailed(channel)
	}
}

func (m *Manager) persistenceError(operation, reason string, err error) error {
	return serviceerror.New(operation, reason, fmt.Errorf("%w: %w", ErrPersistence, err))
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("share link manager error", attrs...)
}

func outcomeOf(err error) string {
	var requestErr *validation.RequestValidationError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrLinkNotFound):
		return "not_found"
	case errors.Is(err, ErrLinkExpired):
		return "expired"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	case errors.As(err, &requestErr):
		return "invalid"
	default:
		return "error"
	}
}

func humanDuration(d time.Duration) string {
	if d%time.Hour == 0 {
		hours := int(d / time.Hour)
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	return fmt.Sprintf("%d minutes", int(d/time.Minute))
}
