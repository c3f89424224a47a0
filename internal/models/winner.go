package models

// Winner links a user to a completed draw. It is mutated only by settlement,
// which sets TransactionSignature and PrizeClaimed once the transfer lands.
type Winner struct {
	Base
	UserID               string  `gorm:"size:64;not null;index"`
	DrawID               string  `gorm:"size:36;not null;uniqueIndex:idx_winners_draw_rank"`
	Rank                 int     `gorm:"column:prize_rank;not null;default:0;uniqueIndex:idx_winners_draw_rank"`
	PrizeAmount          int64   `gorm:"not null"`
	TransactionSignature *string `gorm:"size:88"`
	PrizeClaimed         bool    `gorm:"not null;default:false"`

	User User `gorm:"foreignKey:UserID" json:"-"`
	Draw Draw `gorm:"foreignKey:DrawID" json:"-"`
}
