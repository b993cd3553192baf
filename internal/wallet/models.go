package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

type Wallet struct {
	WalletID  string          `gorm:"column:wallet_id;primaryKey;type:uuid" json:"wallet_id"`
	UserID    string          `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex" json:"user_id"`
	Balance   decimal.Decimal `gorm:"column:balance;type:numeric(20,2);not null;default:0" json:"balance"`
	Version   int             `gorm:"column:version;not null;default:1" json:"-"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// Entry is one append-only balance mutation.
type Entry struct {
	EntryID       string          `gorm:"column:entry_id;primaryKey;type:uuid" json:"entry_id"`
	WalletID      string          `gorm:"column:wallet_id;type:uuid;not null;index" json:"wallet_id"`
	Direction     Direction       `gorm:"column:direction;type:varchar(10);not null;uniqueIndex:idx_wallet_entry_ref,priority:3" json:"direction"`
	Amount        decimal.Decimal `gorm:"column:amount;type:numeric(20,2);not null" json:"amount"`
	BalanceBefore decimal.Decimal `gorm:"column:balance_before;type:numeric(20,2);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal `gorm:"column:balance_after;type:numeric(20,2);not null" json:"balance_after"`
	Reason        string          `gorm:"column:reason;type:varchar(64);not null" json:"reason"`
	ReferenceType string          `gorm:"column:reference_type;type:varchar(32);not null;uniqueIndex:idx_wallet_entry_ref,priority:1" json:"reference_type"`
	ReferenceID   string          `gorm:"column:reference_id;type:varchar(255);not null;uniqueIndex:idx_wallet_entry_ref,priority:2" json:"reference_id"`
	Sequence      int64           `gorm:"column:sequence;not null" json:"sequence"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (Entry) TableName() string {
	return "wallet_ledger_entries"
}

// Request describes a credit or debit. WalletID wins over UserID when both
// are set.
type Request struct {
	WalletID      string          `json:"wallet_id"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
	ReferenceType string          `json:"reference_type"`
	ReferenceID   string          `json:"reference_id"`
}

func Models() []any {
	return []any{&Wallet{}, &Entry{}}
}
