// Package badge derives NIP-58 badges from issued permits: a replaceable
// badge definition plus a badge award referencing the holder. Image
// generation is delegated to an external collaborator and falls back to
// deterministic static URLs on any failure.
package badge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/papiche/UPassport-sub000/pkg/keyring"
	"github.com/papiche/UPassport-sub000/pkg/nostr"
	"github.com/papiche/UPassport-sub000/pkg/permit"
)

// officialBadges maps well-known permit definition ids (already
// lower-cased and prefix-stripped) to friendly badge ids.
var officialBadges = map[string]string{
	"ore_v1":      "ore_verifier",
	"driver_v1":   "driver",
	"captain_v1":  "captain",
	"wot_dragon":  "dragon",
	"uplanet_y":   "astroport_y",
	"transcriber": "transcriber",
}

const staticImageBase = "https://ipfs.copylaradio.com/ipns/copylaradio.com/badges"

// BadgeID derives a stable badge id from a permit definition id.
func BadgeID(definitionID string) string {
	id := strings.ToLower(definitionID)
	id = strings.TrimPrefix(id, "permit_")
	if friendly, ok := officialBadges[id]; ok {
		return friendly
	}
	return "permit_" + id
}

// Image is the generator's result.
type Image struct {
	URL      string
	ThumbURL string
}

// ImageGenerator produces badge artwork. Implementations carry their own
// timeout; any error selects the static fallback URLs.
type ImageGenerator interface {
	Generate(ctx context.Context, badgeID, name, description, tier string) (Image, error)
}

// publisher is the slice of the event log adapter the emitter needs.
type publisher interface {
	Publish(ctx context.Context, rec nostr.PublishRecord, key keyring.KeyHandle) error
}

// Emitter publishes badge definition/award pairs signed with the oracle
// key. Nothing thrown by the generator or the log escapes Emit.
type Emitter struct {
	log    publisher
	keys   *keyring.Resolver
	images ImageGenerator
	logger *slog.Logger
}

// NewEmitter builds a badge emitter. images may be nil, in which case the
// static fallback URLs are always used.
func NewEmitter(log publisher, keys *keyring.Resolver, images ImageGenerator, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{log: log, keys: keys, images: images, logger: logger}
}

// Emit publishes the badge definition for the permit (idempotent: the
// underlying record is replaceable) and then awards it to the credential
// holder. Errors are reported to the caller but must be treated as
// advisory; the credential is already issued.
func (e *Emitter) Emit(ctx context.Context, cred *permit.Credential, def *permit.Definition) error {
	key, ok := e.keys.OracleKeyHandle()
	if !ok {
		return keyring.ErrSigningKeyUnavailable
	}

	badgeID := BadgeID(def.ID)
	img := e.resolveImage(ctx, badgeID, def)

	definition := nostr.PublishRecord{
		Kind:     nostr.KindBadgeDefinition,
		UniqueID: badgeID,
		Topics:   []string{"permit", "badge"},
		Content: map[string]any{
			"name":        def.Name,
			"description": def.Description,
			"image":       img.URL,
			"thumb":       img.ThumbURL,
		},
		Refs: [][]string{
			{"name", def.Name},
			{"image", img.URL},
			{"thumb", img.ThumbURL},
		},
	}
	if err := e.log.Publish(ctx, definition, key); err != nil {
		return fmt.Errorf("badge: publish definition %s: %w", badgeID, err)
	}

	award := nostr.PublishRecord{
		Kind:     nostr.KindBadgeAward,
		UniqueID: badgeID + ":" + cred.CredentialID,
		Subject:  cred.HolderNpub,
		Topics:   []string{"permit", "badge"},
		Refs: [][]string{
			{"a", fmt.Sprintf("%d:%s:%s", nostr.KindBadgeDefinition, cred.IssuedBy, badgeID)},
			{"e", cred.CredentialID},
		},
		Content: map[string]any{
			"badge_id":      badgeID,
			"credential_id": cred.CredentialID,
			"holder_npub":   cred.HolderNpub,
		},
	}
	if err := e.log.Publish(ctx, award, key); err != nil {
		return fmt.Errorf("badge: publish award %s: %w", badgeID, err)
	}

	return nil
}

// resolveImage asks the generator for artwork and falls back to the
// deterministic static URLs on any failure or missing generator.
func (e *Emitter) resolveImage(ctx context.Context, badgeID string, def *permit.Definition) Image {
	fallback := Image{
		URL:      staticImageBase + "/" + badgeID + ".png",
		ThumbURL: staticImageBase + "/" + badgeID + "_thumb.png",
	}
	if e.images == nil {
		return fallback
	}

	tier := ""
	if v, ok := def.Metadata["tier"].(string); ok {
		tier = v
	}
	img, err := e.images.Generate(ctx, badgeID, def.Name, def.Description, tier)
	if err != nil || img.URL == "" {
		e.logger.Warn("badge image generation failed, using static fallback", "badge", badgeID, "err", err)
		return fallback
	}
	if img.ThumbURL == "" {
		img.ThumbURL = img.URL
	}
	return img
}
