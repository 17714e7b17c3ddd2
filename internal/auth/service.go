package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"simtrade/internal/apperr"
	"simtrade/internal/events"
	"simtrade/internal/ledger"
	"simtrade/internal/merge"
	"simtrade/internal/model"
	"simtrade/internal/store"
	"simtrade/internal/types"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	uniqueIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	uniqueIDLength   = 8
	uniqueIDAttempts = 10
)

type Service struct {
	store   store.Store
	ledger  *ledger.Service
	merger  *merge.Service
	issuer  string
	secret  []byte
	ttl     time.Duration
	opening decimal.Decimal
	events  events.Publisher
	log     *zap.Logger
}

func NewService(st store.Store, led *ledger.Service, merger *merge.Service, issuer string, secret []byte, ttl time.Duration) *Service {
	return &Service{
		store:   st,
		ledger:  led,
		merger:  merger,
		issuer:  issuer,
		secret:  secret,
		ttl:     ttl,
		opening: decimal.NewFromInt(100000),
		events:  events.Noop{},
		log:     zap.NewNop(),
	}
}

func (s *Service) SetOpeningBalance(v decimal.Decimal) { s.opening = v }

func (s *Service) SetEvents(p events.Publisher) { s.events = p }

func (s *Service) SetLogger(log *zap.Logger) { s.log = log }

type Registration struct {
	UserID      string `json:"user_id"`
	UniqueID    string `json:"unique_id"`
	AccessToken string `json:"access_token"`
	Created     bool   `json:"created"`
}

// Register creates a user with a funded account for externalID. Registering
// an externalID again returns the existing user.
func (s *Service) Register(ctx context.Context, externalID string) (Registration, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return Registration{}, apperr.New(apperr.CodeInvalidArgument, "external_id is required")
	}
	var reg Registration
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		reg = Registration{}
		b, err := tx.FindAuthBinding(ctx, externalID, types.ProviderRegister)
		if err == nil {
			u, err := tx.GetUser(ctx, b.UserID)
			if err != nil {
				return fmt.Errorf("get registered user: %w", err)
			}
			reg.UserID, reg.UniqueID = u.ID, u.UniqueID
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("find binding: %w", err)
		}
		uid, err := newUniqueID(ctx, tx)
		if err != nil {
			return err
		}
		u := model.User{UniqueID: uid, Nickname: externalID}
		if err := tx.CreateUser(ctx, &u); err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		if _, err := s.ledger.Open(ctx, tx, u.ID, s.opening); err != nil {
			return err
		}
		binding := model.AuthBinding{
			UserID:      u.ID,
			Provider:    types.ProviderRegister,
			ExternalID:  externalID,
			BindingType: types.BindingTypeAuth,
			Metadata:    json.RawMessage(`{}`),
		}
		if err := tx.InsertAuthBinding(ctx, &binding); err != nil {
			return fmt.Errorf("insert binding: %w", err)
		}
		reg = Registration{UserID: u.ID, UniqueID: u.UniqueID, Created: true}
		return nil
	})
	if err != nil {
		return Registration{}, store.TxError(err)
	}
	if reg.AccessToken, err = s.signToken(reg.UserID); err != nil {
		return Registration{}, err
	}
	if reg.Created {
		s.log.Info("user registered", zap.String("user_id", reg.UserID), zap.String("unique_id", reg.UniqueID))
		events.Emit(ctx, s.events, s.log, events.Event{Type: events.TypeUserRegistered, UserID: reg.UserID, Payload: map[string]string{"unique_id": reg.UniqueID}})
	}
	return reg, nil
}

func newUniqueID(ctx context.Context, tx store.Tx) (string, error) {
	base := big.NewInt(int64(len(uniqueIDAlphabet)))
	for i := 0; i < uniqueIDAttempts; i++ {
		var b strings.Builder
		for j := 0; j < uniqueIDLength; j++ {
			n, err := rand.Int(rand.Reader, base)
			if err != nil {
				return "", err
			}
			b.WriteByte(uniqueIDAlphabet[n.Int64()])
		}
		taken, err := tx.UniqueIDExists(ctx, b.String())
		if err != nil {
			return "", fmt.Errorf("check unique id: %w", err)
		}
		if !taken {
			return b.String(), nil
		}
	}
	return "", errors.New("could not allocate a unique id")
}

type BindResult struct {
	UserID string `json:"user_id"`
	// MergedFrom is the caller's previous user id when the phone already
	// belonged to another user and the caller was merged into it.
	MergedFrom string            `json:"merged_from,omitempty"`
	Binding    model.AuthBinding `json:"binding"`
	Merge      *merge.Summary    `json:"merge,omitempty"`
}

// BindPhone attaches a phone identity to userID. When the phone is already
// bound to another user, userID is merged into that user and its register
// binding is converted to the phone binding.
func (s *Service) BindPhone(ctx context.Context, userID, phone, provider string, metadata json.RawMessage) (BindResult, error) {
	phone, provider = strings.TrimSpace(phone), strings.TrimSpace(provider)
	if phone == "" || provider == "" {
		return BindResult{}, apperr.New(apperr.CodeInvalidArgument, "phone and provider are required")
	}
	if provider == types.ProviderRegister {
		return BindResult{}, apperr.Newf(apperr.CodeInvalidArgument, "provider %q is reserved", provider)
	}
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	var res BindResult
	var mergeErr bool
	var owner string
	err := s.store.InTxOnce(ctx, func(tx store.Tx) error {
		res = BindResult{UserID: userID}
		if _, err := tx.GetUser(ctx, userID); errors.Is(err, store.ErrNotFound) {
			return apperr.ErrUserNotFound
		} else if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		reg, err := tx.FindAuthBindingByUserProvider(ctx, userID, types.ProviderRegister)
		hasReg := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("find register binding: %w", err)
		}

		other, err := tx.FindPhoneBindingOfOtherUser(ctx, phone, userID)
		switch {
		case err == nil:
			owner = other.UserID
			sum, err := s.merger.MergeTx(ctx, tx, owner, userID)
			if err != nil {
				mergeErr = true
				return err
			}
			res.UserID, res.MergedFrom, res.Merge = owner, userID, &sum
			if !hasReg {
				res.Binding = other
				return nil
			}
			if _, err := tx.FindAuthBinding(ctx, phone, provider); err == nil {
				// The owner already holds this exact identity; the merged
				// register binding stays as it is.
				res.Binding = other
				return nil
			} else if !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("find phone binding: %w", err)
			}
			reg.UserID = owner
			res.Binding, err = convert(ctx, tx, reg, phone, provider, metadata)
			return err
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("find phone binding: %w", err)
		}

		if _, err := tx.FindAuthBindingByUserProvider(ctx, userID, provider); err == nil {
			return apperr.Newf(apperr.CodeAlreadyBound, "user is already bound to %s", provider)
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("find provider binding: %w", err)
		}
		if hasReg {
			res.Binding, err = convert(ctx, tx, reg, phone, provider, metadata)
			return err
		}
		b := model.AuthBinding{
			UserID:      userID,
			Provider:    provider,
			ExternalID:  phone,
			Phone:       phone,
			BindingType: types.BindingTypeConverted,
			Metadata:    metadata,
		}
		if err := tx.InsertAuthBinding(ctx, &b); err != nil {
			return fmt.Errorf("insert binding: %w", err)
		}
		res.Binding = b
		return nil
	})
	if err != nil {
		if mergeErr {
			return BindResult{}, s.merger.Conflict(owner, userID, err)
		}
		return BindResult{}, store.TxError(err)
	}
	if res.Merge != nil {
		s.merger.Merged(ctx, *res.Merge)
	}
	s.log.Info("phone bound",
		zap.String("user_id", res.UserID),
		zap.String("provider", provider),
		zap.String("merged_from", res.MergedFrom))
	return res, nil
}

func convert(ctx context.Context, tx store.Tx, b model.AuthBinding, phone, provider string, metadata json.RawMessage) (model.AuthBinding, error) {
	b.Provider = provider
	b.ExternalID = phone
	b.Phone = phone
	b.BindingType = types.BindingTypeConverted
	b.Metadata = metadata
	if err := tx.UpdateAuthBinding(ctx, b); err != nil {
		return model.AuthBinding{}, fmt.Errorf("convert binding: %w", err)
	}
	return b, nil
}

func (s *Service) signToken(userID string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.secret)
}

// ParseToken returns the user id carried by a valid access token.
func (s *Service) ParseToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("invalid subject")
	}
	return claims.Subject, nil
}
