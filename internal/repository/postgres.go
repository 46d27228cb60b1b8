// Package repository reads environment details from PostgreSQL and turns
// LISTEN/NOTIFY traffic on feature_values into feature updates, so an edge
// node can run directly against the cache tier's database.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matt-riley/flagedge/internal/core"
	"github.com/matt-riley/flagedge/internal/service"
)

const (
	defaultNotifyChannel = "feature_updates"
	listenRetryInterval  = time.Second
	updateLoadTimeout    = 5 * time.Second
)

const (
	selectServerEvalAccount = `SELECT service_account_id::text, organisation_id::text, portfolio_id::text, application_id::text
 FROM service_account_environments
 WHERE environment_id = $1::uuid AND api_key_server_eval = $2`

	selectClientEvalAccount = `SELECT service_account_id::text, organisation_id::text, portfolio_id::text, application_id::text
 FROM service_account_environments
 WHERE environment_id = $1::uuid AND api_key_client_eval = $2`

	selectEnvironmentFeatures = `SELECT f.id::text, f.key, f.value_type, COALESCE(fv.version, 0), COALESCE(fv.locked, false),
 fv.default_value, COALESCE(fv.rollout_strategies, '[]'::jsonb), COALESCE(fv.retired, false)
 FROM features f
 LEFT JOIN feature_values fv ON fv.feature_id = f.id AND fv.environment_id = $1::uuid
 WHERE f.application_id = $2::uuid
 ORDER BY f.key`

	selectFeatureValue = `SELECT f.id::text, f.key, f.value_type, fv.version, fv.locked,
 fv.default_value, fv.rollout_strategies, fv.retired
 FROM feature_values fv
 JOIN features f ON f.id = fv.feature_id
 WHERE fv.feature_id = $1::uuid AND fv.environment_id = $2::uuid`
)

// PostgresCacheTier implements service.CacheTier and stream.UpdateSubscriber.
type PostgresCacheTier struct {
	pool          *pgxpool.Pool
	notifyChannel string
	logger        *slog.Logger
}

func NewPostgresCacheTier(pool *pgxpool.Pool) *PostgresCacheTier {
	return NewPostgresCacheTierWithChannel(pool, defaultNotifyChannel)
}

func NewPostgresCacheTierWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresCacheTier {
	return &PostgresCacheTier{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
		logger:        slog.Default(),
	}
}

// GetDetails resolves key to its environment's features. A credential that
// does not match the environment yields service.ErrKeyNotFound.
func (r *PostgresCacheTier) GetDetails(ctx context.Context, key core.Key) (service.Details, error) {
	query := selectServerEvalAccount
	if key.ClientEvaluated() {
		query = selectClientEvalAccount
	}

	var metadata service.Metadata
	err := r.pool.QueryRow(ctx, query, key.EnvironmentID.String(), key.ServiceCredential).Scan(
		&metadata.ServiceAccountID,
		&metadata.OrganisationID,
		&metadata.PortfolioID,
		&metadata.ApplicationID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return service.Details{}, fmt.Errorf("%w: %s", service.ErrKeyNotFound, key)
		}
		return service.Details{}, fmt.Errorf("%w: lookup service account: %v", service.ErrCacheUnavailable, err)
	}

	rows, err := r.pool.Query(ctx, selectEnvironmentFeatures, key.EnvironmentID.String(), metadata.ApplicationID)
	if err != nil {
		return service.Details{}, fmt.Errorf("%w: query features: %v", service.ErrCacheUnavailable, err)
	}
	defer rows.Close()

	var features []core.CacheFeature
	for rows.Next() {
		feature, err := scanFeature(rows)
		if err != nil {
			return service.Details{}, fmt.Errorf("%w: %v", service.ErrCacheUnavailable, err)
		}
		features = append(features, feature)
	}
	if err := rows.Err(); err != nil {
		return service.Details{}, fmt.Errorf("%w: iterate features: %v", service.ErrCacheUnavailable, err)
	}

	return service.Details{
		Features: features,
		ETag:     computeETag(features),
		Metadata: metadata,
	}, nil
}

func (r *PostgresCacheTier) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanFeature(row pgx.Row) (core.CacheFeature, error) {
	var (
		feature      core.CacheFeature
		valueType    string
		defaultValue *string
		strategies   json.RawMessage
	)
	if err := row.Scan(
		&feature.ID,
		&feature.Key,
		&valueType,
		&feature.Version,
		&feature.Locked,
		&defaultValue,
		&strategies,
		&feature.Retired,
	); err != nil {
		return core.CacheFeature{}, fmt.Errorf("scan feature: %w", err)
	}

	feature.Type = core.ValueType(valueType)
	feature.Value = decodeValue(feature.Type, defaultValue)
	if err := json.Unmarshal(ensureJSON(strategies, "[]"), &feature.Strategies); err != nil {
		return core.CacheFeature{}, fmt.Errorf("decode strategies for %q: %w", feature.Key, err)
	}

	return feature, nil
}

func decodeValue(valueType core.ValueType, raw *string) any {
	if raw == nil {
		return nil
	}

	switch valueType {
	case core.ValueTypeBoolean:
		parsed, err := strconv.ParseBool(*raw)
		if err != nil {
			return nil
		}
		return parsed
	case core.ValueTypeNumber:
		parsed, err := strconv.ParseFloat(*raw, 64)
		if err != nil {
			return nil
		}
		return parsed
	default:
		return *raw
	}
}

// computeETag fingerprints the id and version of every feature.
func computeETag(features []core.CacheFeature) string {
	parts := make([]string, 0, len(features))
	for _, feature := range features {
		parts = append(parts, feature.ID+"-"+strconv.FormatInt(feature.Version, 10))
	}
	return strconv.FormatUint(xxhash.Sum64String(strings.Join(parts, "-")), 16)
}

type notifyPayload struct {
	EnvironmentID string `json:"environment_id"`
	FeatureID     string `json:"feature_id"`
	FeatureKey    string `json:"feature_key"`
	Action        string `json:"action"`
}

func parseNotifyPayload(payload string) (notifyPayload, uuid.UUID, error) {
	var message notifyPayload
	if err := json.Unmarshal([]byte(payload), &message); err != nil {
		return notifyPayload{}, uuid.Nil, fmt.Errorf("decode notify payload: %w", err)
	}

	environmentID, err := uuid.Parse(message.EnvironmentID)
	if err != nil {
		return notifyPayload{}, uuid.Nil, fmt.Errorf("notify payload environment id: %w", err)
	}
	if _, err := uuid.Parse(message.FeatureID); err != nil {
		return notifyPayload{}, uuid.Nil, fmt.Errorf("notify payload feature id: %w", err)
	}

	return message, environmentID, nil
}

// SubscribeFeatureUpdates listens on the notify channel and emits one update
// per notification. The channel closes when ctx ends.
func (r *PostgresCacheTier) SubscribeFeatureUpdates(ctx context.Context) (<-chan core.FeatureUpdate, error) {
	updates := make(chan core.FeatureUpdate, 16)

	go r.runUpdateListener(ctx, updates)

	return updates, nil
}

func (r *PostgresCacheTier) runUpdateListener(ctx context.Context, updates chan<- core.FeatureUpdate) {
	defer close(updates)

	for {
		err := r.listenForUpdates(ctx, updates)
		if err == nil || ctx.Err() != nil {
			return
		}
		r.logger.Warn("feature update listener failed, retrying", "error", err)

		retryTimer := time.NewTimer(listenRetryInterval)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresCacheTier) listenForUpdates(ctx context.Context, updates chan<- core.FeatureUpdate) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for feature notification: %w", err)
		}

		update, err := r.loadUpdate(ctx, notification.Payload)
		if err != nil {
			r.logger.Warn("dropping feature notification", "error", err)
			continue
		}

		select {
		case updates <- update:
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *PostgresCacheTier) loadUpdate(ctx context.Context, payload string) (core.FeatureUpdate, error) {
	message, environmentID, err := parseNotifyPayload(payload)
	if err != nil {
		return core.FeatureUpdate{}, err
	}

	update := core.FeatureUpdate{EnvironmentID: environmentID}
	deleted := core.FeatureChange{
		Action:  core.ActionDelete,
		Feature: core.CacheFeature{ID: message.FeatureID, Key: message.FeatureKey},
	}

	if core.Action(message.Action) == core.ActionDelete {
		update.Changes = []core.FeatureChange{deleted}
		return update, nil
	}

	loadCtx, cancel := context.WithTimeout(ctx, updateLoadTimeout)
	defer cancel()

	feature, err := scanFeature(r.pool.QueryRow(loadCtx, selectFeatureValue, message.FeatureID, message.EnvironmentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// removed between the notification and the read
			update.Changes = []core.FeatureChange{deleted}
			return update, nil
		}
		return core.FeatureUpdate{}, fmt.Errorf("load feature %s: %w", message.FeatureID, err)
	}

	action := core.ActionUpdate
	if feature.Retired {
		action = core.ActionDelete
	}
	update.Changes = []core.FeatureChange{{Action: action, Feature: feature}}

	return update, nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}
