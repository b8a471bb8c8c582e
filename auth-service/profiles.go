package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Yowj/astvault/pkg/otelhelper"
)

// Profile is the auth.profile.* request/reply body. The id is the Keycloak
// subject of the user.
type Profile struct {
	ID             string `json:"id"`
	Email          string `json:"email,omitempty"`
	FullName       string `json:"fullName,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// ProfileStore serves user profile metadata over request/reply, backed by the
// profiles table.
type ProfileStore struct {
	db             *sql.DB
	profileCounter metric.Int64Counter
}

func NewProfileStore(db *sql.DB, meter metric.Meter) *ProfileStore {
	profileCounter, _ := meter.Int64Counter("profile_requests_total")
	return &ProfileStore{db: db, profileCounter: profileCounter}
}

// Subscribe registers the profile request handlers on the connection.
func (s *ProfileStore) Subscribe(nc *nats.Conn) error {
	// auth.profile.get: body is the bare user id, reply is the profile
	if _, err := nc.Subscribe("auth.profile.get", func(msg *nats.Msg) {
		ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "auth.profile.get")
		defer span.End()

		id := strings.TrimSpace(string(msg.Data))
		if id == "" {
			msg.Respond([]byte(`{}`))
			return
		}
		span.SetAttributes(attribute.String("profile.id", id))

		var p Profile
		err := s.db.QueryRowContext(ctx,
			"SELECT id, email, full_name, profile_picture FROM profiles WHERE id = $1", id,
		).Scan(&p.ID, &p.Email, &p.FullName, &p.ProfilePicture)
		if err == sql.ErrNoRows {
			msg.Respond([]byte(`{}`))
			return
		}
		if err != nil {
			slog.ErrorContext(ctx, "Profile query failed", "id", id, "error", err)
			span.RecordError(err)
			msg.Respond([]byte(`{}`))
			return
		}

		data, _ := json.Marshal(p)
		msg.Respond(data)
		s.profileCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "get")))
	}); err != nil {
		return err
	}

	// auth.profile.update: upsert the row, reply with the stored profile
	if _, err := nc.Subscribe("auth.profile.update", func(msg *nats.Msg) {
		ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "auth.profile.update")
		defer span.End()

		var p Profile
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.ID == "" {
			slog.WarnContext(ctx, "Invalid profile update", "error", err)
			msg.Respond([]byte(`{}`))
			return
		}
		span.SetAttributes(attribute.String("profile.id", p.ID))

		err := s.db.QueryRowContext(ctx, `
			INSERT INTO profiles (id, email, full_name, profile_picture, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				email = COALESCE(NULLIF(EXCLUDED.email, ''), profiles.email),
				full_name = COALESCE(NULLIF(EXCLUDED.full_name, ''), profiles.full_name),
				profile_picture = COALESCE(NULLIF(EXCLUDED.profile_picture, ''), profiles.profile_picture),
				updated_at = EXCLUDED.updated_at
			RETURNING id, email, full_name, profile_picture`,
			p.ID, p.Email, p.FullName, p.ProfilePicture, time.Now().UTC(),
		).Scan(&p.ID, &p.Email, &p.FullName, &p.ProfilePicture)
		if err != nil {
			slog.ErrorContext(ctx, "Profile upsert failed", "id", p.ID, "error", err)
			span.RecordError(err)
			msg.Respond([]byte(`{}`))
			return
		}

		slog.InfoContext(ctx, "Profile updated", "id", p.ID)
		data, _ := json.Marshal(p)
		msg.Respond(data)
		s.profileCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "update")))
	}); err != nil {
		return err
	}

	return nil
}
