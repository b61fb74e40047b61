package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/creatorledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	payoutdomain "github.com/smallbiznis/creatorledger/internal/payout/domain"
	providerdomain "github.com/smallbiznis/creatorledger/internal/provider/domain"
	"github.com/smallbiznis/creatorledger/pkg/db"
	"github.com/smallbiznis/creatorledger/pkg/money"
	"golang.org/x/crypto/chacha20poly1305"
	"gorm.io/gorm"
)

type sealedEnvelope struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// sealer encrypts destinations with XChaCha20-Poly1305. The creator and provider are
// bound as associated data so a row cannot be replayed onto another creator.
type sealer struct {
	key []byte
}

func newSealer(secret string) *sealer {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return &sealer{}
	}
	sum := sha256.Sum256([]byte(secret))
	return &sealer{key: sum[:]}
}

func (s *sealer) seal(creatorID string, dest providerdomain.Destination) (string, error) {
	if len(s.key) == 0 {
		return "", payoutdomain.ErrEncryptionKeyMissing
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	plain, err := json.Marshal(dest)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out, err := json.Marshal(sealedEnvelope{
		Version:    1,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(aead.Seal(nil, nonce, plain, associatedData(creatorID, dest.Provider))),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (s *sealer) open(creatorID, provider, sealed string) (providerdomain.Destination, error) {
	if len(s.key) == 0 {
		return providerdomain.Destination{}, payoutdomain.ErrEncryptionKeyMissing
	}
	var envelope sealedEnvelope
	if err := json.Unmarshal([]byte(sealed), &envelope); err != nil || envelope.Version != 1 {
		return providerdomain.Destination{}, payoutdomain.ErrInvalidDestination
	}
	nonce, err := base64.RawStdEncoding.DecodeString(envelope.Nonce)
	if err != nil {
		return providerdomain.Destination{}, payoutdomain.ErrInvalidDestination
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return providerdomain.Destination{}, payoutdomain.ErrInvalidDestination
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return providerdomain.Destination{}, err
	}
	if len(nonce) != aead.NonceSize() {
		return providerdomain.Destination{}, payoutdomain.ErrInvalidDestination
	}
	plain, err := aead.Open(nil, nonce, ciphertext, associatedData(creatorID, provider))
	if err != nil {
		return providerdomain.Destination{}, payoutdomain.ErrInvalidDestination
	}
	var dest providerdomain.Destination
	if err := json.Unmarshal(plain, &dest); err != nil {
		return providerdomain.Destination{}, payoutdomain.ErrInvalidDestination
	}
	return dest, nil
}

func associatedData(creatorID, provider string) []byte {
	return []byte(creatorID + "|" + provider)
}

func (s *Service) UpsertDestination(ctx context.Context, req payoutdomain.UpsertDestinationRequest) (payoutdomain.DestinationView, error) {
	creatorID := strings.TrimSpace(req.CreatorID)
	if creatorID == "" {
		return payoutdomain.DestinationView{}, ledgerdomain.ErrInvalidCreator
	}
	provider := strings.ToLower(strings.TrimSpace(req.Destination.Provider))
	adapter, err := s.adapters.Get(provider)
	if err != nil {
		return payoutdomain.DestinationView{}, payoutdomain.ErrProviderUnavailable
	}
	normalized, err := adapter.ValidateDestination(req.Destination)
	if err != nil {
		return payoutdomain.DestinationView{}, fmt.Errorf("%w: %v", payoutdomain.ErrInvalidDestination, err)
	}
	normalized.Provider = adapter.Provider()

	sealed, err := s.sealer.seal(creatorID, normalized)
	if err != nil {
		return payoutdomain.DestinationView{}, err
	}

	now := s.clock.Now()
	view := payoutdomain.DestinationView{
		Provider:  normalized.Provider,
		Masked:    normalized.Masked(),
		IsDefault: req.MakeDefault,
		UpdatedAt: now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ledger.LockAccountTx(ctx, tx, creatorID); err != nil {
			return err
		}
		var count int64
		if err := tx.WithContext(ctx).Model(&payoutdomain.DestinationRecord{}).
			Where("creator_id = ? AND provider <> ?", creatorID, view.Provider).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			view.IsDefault = true
		}
		if view.IsDefault {
			if err := tx.WithContext(ctx).Exec(
				`UPDATE payout_destinations SET is_default = ? WHERE creator_id = ?`,
				false,
				creatorID,
			).Error; err != nil {
				return err
			}
		}
		return tx.WithContext(ctx).Exec(
			`INSERT INTO payout_destinations (id, creator_id, provider, ciphertext, masked, is_default, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (creator_id, provider) DO UPDATE SET
				ciphertext = excluded.ciphertext,
				masked = excluded.masked,
				is_default = CASE WHEN excluded.is_default THEN excluded.is_default ELSE payout_destinations.is_default END,
				updated_at = excluded.updated_at`,
			s.genID.Generate(),
			creatorID,
			view.Provider,
			sealed,
			view.Masked,
			view.IsDefault,
			now,
			now,
		).Error
	})
	if err != nil {
		return payoutdomain.DestinationView{}, err
	}

	var stored payoutdomain.DestinationRecord
	if err := s.db.WithContext(ctx).
		Where("creator_id = ? AND provider = ?", creatorID, view.Provider).
		Take(&stored).Error; err != nil {
		return payoutdomain.DestinationView{}, err
	}
	return toView(stored), nil
}

func (s *Service) ListDestinations(ctx context.Context, creatorID string) ([]payoutdomain.DestinationView, error) {
	creatorID = strings.TrimSpace(creatorID)
	if creatorID == "" {
		return nil, ledgerdomain.ErrInvalidCreator
	}
	records, err := s.destinationRecords(ctx, s.db, creatorID)
	if err != nil {
		return nil, err
	}
	views := make([]payoutdomain.DestinationView, 0, len(records))
	for _, record := range records {
		views = append(views, toView(record))
	}
	return views, nil
}

func toView(record payoutdomain.DestinationRecord) payoutdomain.DestinationView {
	return payoutdomain.DestinationView{
		Provider:  record.Provider,
		Masked:    record.Masked,
		IsDefault: record.IsDefault,
		UpdatedAt: record.UpdatedAt,
	}
}

func (s *Service) destinationRecords(ctx context.Context, tx *gorm.DB, creatorID string) ([]payoutdomain.DestinationRecord, error) {
	var records []payoutdomain.DestinationRecord
	err := tx.WithContext(ctx).
		Where("creator_id = ?", creatorID).
		Order("is_default DESC, provider ASC").
		Find(&records).Error
	return records, err
}

func (s *Service) loadDestination(ctx context.Context, creatorID, provider string) (providerdomain.Destination, error) {
	var record payoutdomain.DestinationRecord
	if err := s.db.WithContext(ctx).
		Where("creator_id = ? AND provider = ?", creatorID, provider).
		Take(&record).Error; err != nil {
		if db.IsNotFound(err) {
			return providerdomain.Destination{}, payoutdomain.ErrNoDestination
		}
		return providerdomain.Destination{}, err
	}
	return s.sealer.open(creatorID, provider, record.Ciphertext)
}

// usableProviders lists rails the creator can be paid on: the default destination
// first, then the policy's preference order. A rail must be enabled by policy,
// registered and have a destination on file.
func (s *Service) usableProviders(ctx context.Context, tx *gorm.DB, creatorID string, policy config.PayoutPolicy) ([]string, error) {
	records, err := s.destinationRecords(ctx, tx, creatorID)
	if err != nil {
		return nil, err
	}
	has := make(map[string]bool, len(records))
	var ordered []string
	for _, record := range records {
		has[record.Provider] = true
		if record.IsDefault {
			ordered = append(ordered, record.Provider)
		}
	}
	ordered = append(ordered, policy.EnabledProviders()...)

	seen := map[string]bool{}
	var out []string
	for _, name := range ordered {
		if seen[name] || !has[name] || !policy.ProviderEnabled(name) || !s.adapters.ProviderExists(name) {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}

func pickProvider(usable []string, requested string) (string, error) {
	requested = strings.ToLower(strings.TrimSpace(requested))
	if requested == "" {
		if len(usable) == 0 {
			return "", payoutdomain.ErrNoDestination
		}
		return usable[0], nil
	}
	for _, name := range usable {
		if name == requested {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s", payoutdomain.ErrProviderUnavailable, requested)
}

// fitting drops rails that cannot move amount exactly, so a retry never switches
// a payout onto a rail that would refuse it.
func (s *Service) fitting(usable []string, amount money.Amount, policy config.PayoutPolicy) []string {
	out := make([]string, 0, len(usable))
	for _, name := range usable {
		if amount.Truncate(s.amountPlaces(name, policy)) == amount {
			out = append(out, name)
		}
	}
	return out
}

// nextProvider picks the rail for a retry: the current one unless it failed
// permanently, otherwise the first usable rail that has not.
func nextProvider(usable []string, p payoutdomain.Payout) (string, error) {
	if !p.ProviderFailed(p.Provider) {
		for _, name := range usable {
			if name == p.Provider {
				return name, nil
			}
		}
	}
	for _, name := range usable {
		if !p.ProviderFailed(name) {
			return name, nil
		}
	}
	return "", errors.New("no untried provider left")
}
