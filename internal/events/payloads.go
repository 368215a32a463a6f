package events

import (
	"fmt"
	"strings"
	"time"
)

// Payload is implemented by every typed event body.
type Payload interface {
	EventType() string
	Validate() error
}

// RoomScoped is implemented by payloads that belong to a single competition
// room and can be routed to its live viewers.
type RoomScoped interface {
	RoomID() string
}

// FieldError reports a single invalid payload field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &FieldError{Field: field, Message: "is required"}
	}
	return nil
}

func positive(field string, value float64) error {
	if value <= 0 {
		return &FieldError{Field: field, Message: "must be positive"}
	}
	return nil
}

func currency(field, value string) error {
	if len(value) != 3 || strings.ToUpper(value) != value {
		return &FieldError{Field: field, Message: "must be a three letter ISO currency code"}
	}
	return nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

const (
	TypeTradeExecuted       = "trading.trade_executed"
	TypePositionClosed      = "trading.position_closed"
	TypeXPAwarded           = "gamification.xp_awarded"
	TypeAchievementUnlocked = "gamification.achievement_unlocked"
	TypeLeaderboardUpdated  = "gamification.leaderboard_updated"
	TypeLevelUp             = "gamification.level_up"
	TypeUserFollowed        = "social.user_followed"
	TypeCommentPosted       = "social.comment_posted"
	TypePaymentCompleted    = "financial.payment_completed"
	TypeFeeCharged          = "financial.fee_charged"
	TypeNFTMinted           = "nft.minted"
	TypeNFTSold             = "nft.sold"
	TypeUserRegistered      = "user.registered"
	TypeProfileUpdated      = "user.profile_updated"
)

type TradeExecuted struct {
	TradeID      string    `json:"trade_id"`
	UserID       string    `json:"user_id"`
	TournamentID string    `json:"tournament_id,omitempty"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	Quantity     float64   `json:"quantity"`
	Price        float64   `json:"price"`
	ExecutedAt   time.Time `json:"executed_at"`
}

func (TradeExecuted) EventType() string { return TypeTradeExecuted }
func (p TradeExecuted) RoomID() string  { return p.TournamentID }

func (p TradeExecuted) Validate() error {
	if err := firstError(
		required("trade_id", p.TradeID),
		required("user_id", p.UserID),
		required("symbol", p.Symbol),
		positive("quantity", p.Quantity),
		positive("price", p.Price),
	); err != nil {
		return err
	}
	if p.Side != "buy" && p.Side != "sell" {
		return &FieldError{Field: "side", Message: "must be buy or sell"}
	}
	return nil
}

type PositionClosed struct {
	PositionID   string    `json:"position_id"`
	UserID       string    `json:"user_id"`
	TournamentID string    `json:"tournament_id,omitempty"`
	Symbol       string    `json:"symbol"`
	RealizedPnL  float64   `json:"realized_pnl"`
	ClosedAt     time.Time `json:"closed_at"`
}

func (PositionClosed) EventType() string { return TypePositionClosed }
func (p PositionClosed) RoomID() string  { return p.TournamentID }

func (p PositionClosed) Validate() error {
	return firstError(
		required("position_id", p.PositionID),
		required("user_id", p.UserID),
		required("symbol", p.Symbol),
	)
}

type XPAwarded struct {
	UserID        string `json:"user_id"`
	Amount        int64  `json:"amount"`
	Reason        string `json:"reason"`
	SourceEventID string `json:"source_event_id,omitempty"`
}

func (XPAwarded) EventType() string { return TypeXPAwarded }

func (p XPAwarded) Validate() error {
	return firstError(
		required("user_id", p.UserID),
		positive("amount", float64(p.Amount)),
		required("reason", p.Reason),
	)
}

type AchievementUnlocked struct {
	UserID        string `json:"user_id"`
	AchievementID string `json:"achievement_id"`
	Name          string `json:"name"`
	Tier          string `json:"tier,omitempty"`
	TournamentID  string `json:"tournament_id,omitempty"`
}

func (AchievementUnlocked) EventType() string { return TypeAchievementUnlocked }
func (p AchievementUnlocked) RoomID() string  { return p.TournamentID }

func (p AchievementUnlocked) Validate() error {
	return firstError(
		required("user_id", p.UserID),
		required("achievement_id", p.AchievementID),
		required("name", p.Name),
	)
}

// LeaderboardEntry is one standing inside a leaderboard update.
type LeaderboardEntry struct {
	UserID      string  `json:"user_id"`
	DisplayName string  `json:"display_name,omitempty"`
	Score       float64 `json:"score"`
}

type LeaderboardUpdated struct {
	TournamentID string             `json:"tournament_id"`
	Entries      []LeaderboardEntry `json:"entries"`
}

func (LeaderboardUpdated) EventType() string { return TypeLeaderboardUpdated }
func (p LeaderboardUpdated) RoomID() string  { return p.TournamentID }

func (p LeaderboardUpdated) Validate() error {
	if err := required("tournament_id", p.TournamentID); err != nil {
		return err
	}
	if len(p.Entries) == 0 {
		return &FieldError{Field: "entries", Message: "must not be empty"}
	}
	for i, e := range p.Entries {
		if err := required(fmt.Sprintf("entries[%d].user_id", i), e.UserID); err != nil {
			return err
		}
	}
	return nil
}

type LevelUp struct {
	UserID        string `json:"user_id"`
	Level         int    `json:"level"`
	PreviousLevel int    `json:"previous_level"`
}

func (LevelUp) EventType() string { return TypeLevelUp }

func (p LevelUp) Validate() error {
	if err := required("user_id", p.UserID); err != nil {
		return err
	}
	if p.Level <= p.PreviousLevel {
		return &FieldError{Field: "level", Message: "must be greater than previous_level"}
	}
	return nil
}

type UserFollowed struct {
	FollowerID string `json:"follower_id"`
	FolloweeID string `json:"followee_id"`
}

func (UserFollowed) EventType() string { return TypeUserFollowed }

func (p UserFollowed) Validate() error {
	if err := firstError(required("follower_id", p.FollowerID), required("followee_id", p.FolloweeID)); err != nil {
		return err
	}
	if p.FollowerID == p.FolloweeID {
		return &FieldError{Field: "followee_id", Message: "must differ from follower_id"}
	}
	return nil
}

type CommentPosted struct {
	CommentID string `json:"comment_id"`
	AuthorID  string `json:"author_id"`
	TargetID  string `json:"target_id"`
	Body      string `json:"body"`
}

func (CommentPosted) EventType() string { return TypeCommentPosted }

func (p CommentPosted) Validate() error {
	return firstError(
		required("comment_id", p.CommentID),
		required("author_id", p.AuthorID),
		required("target_id", p.TargetID),
		required("body", p.Body),
	)
}

type PaymentCompleted struct {
	PaymentID   string `json:"payment_id"`
	UserID      string `json:"user_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

func (PaymentCompleted) EventType() string { return TypePaymentCompleted }

func (p PaymentCompleted) Validate() error {
	return firstError(
		required("payment_id", p.PaymentID),
		required("user_id", p.UserID),
		positive("amount_minor", float64(p.AmountMinor)),
		currency("currency", p.Currency),
	)
}

type FeeCharged struct {
	FeeID       string `json:"fee_id"`
	UserID      string `json:"user_id"`
	TradeID     string `json:"trade_id,omitempty"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

func (FeeCharged) EventType() string { return TypeFeeCharged }

func (p FeeCharged) Validate() error {
	return firstError(
		required("fee_id", p.FeeID),
		required("user_id", p.UserID),
		positive("amount_minor", float64(p.AmountMinor)),
		currency("currency", p.Currency),
	)
}

type NFTMinted struct {
	TokenID    string `json:"token_id"`
	OwnerID    string `json:"owner_id"`
	Collection string `json:"collection"`
}

func (NFTMinted) EventType() string { return TypeNFTMinted }

func (p NFTMinted) Validate() error {
	return firstError(
		required("token_id", p.TokenID),
		required("owner_id", p.OwnerID),
		required("collection", p.Collection),
	)
}

type NFTSold struct {
	TokenID    string `json:"token_id"`
	SellerID   string `json:"seller_id"`
	BuyerID    string `json:"buyer_id"`
	PriceMinor int64  `json:"price_minor"`
	Currency   string `json:"currency"`
}

func (NFTSold) EventType() string { return TypeNFTSold }

func (p NFTSold) Validate() error {
	return firstError(
		required("token_id", p.TokenID),
		required("seller_id", p.SellerID),
		required("buyer_id", p.BuyerID),
		positive("price_minor", float64(p.PriceMinor)),
		currency("currency", p.Currency),
	)
}

type UserRegistered struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	ReferrerID  string `json:"referrer_id,omitempty"`
}

func (UserRegistered) EventType() string { return TypeUserRegistered }

func (p UserRegistered) Validate() error {
	return firstError(required("user_id", p.UserID), required("display_name", p.DisplayName))
}

type ProfileUpdated struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

func (ProfileUpdated) EventType() string { return TypeProfileUpdated }

func (p ProfileUpdated) Validate() error {
	if err := required("user_id", p.UserID); err != nil {
		return err
	}
	if p.DisplayName == "" && p.AvatarURL == "" {
		return &FieldError{Field: "display_name", Message: "or avatar_url must be set"}
	}
	return nil
}
