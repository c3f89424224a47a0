package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// ActivityType discriminates the details variant of an Activity.
type ActivityType string

const (
	ActivityPull         ActivityType = "pull"
	ActivityReward       ActivityType = "reward"
	ActivityTicketEarned ActivityType = "ticket_earned"
)

// Activity is the append-only audit trail. Rows are never updated or deleted.
type Activity struct {
	Base
	UserID  string          `gorm:"size:64;not null;index:idx_activities_user_created"`
	Type    ActivityType    `gorm:"size:16;not null"`
	Details ActivityDetails `gorm:"type:text"`

	User User `gorm:"foreignKey:UserID" json:"-"`
}

// PullDetails is attached to plain pull activities.
type PullDetails struct {
	PullID  string `json:"pullId"`
	Tier    Tier   `json:"pullType"`
	Cost    int64  `json:"cost"`
	Message string `json:"message"`
}

// RewardDetails is attached to instant reward activities.
type RewardDetails struct {
	PullID   string `json:"pullId"`
	Tier     Tier   `json:"pullType"`
	Prize    int64  `json:"prize"`
	PayoutID string `json:"payoutId"`
	Message  string `json:"message"`
}

// TicketDetails is attached to ticket_earned activities.
type TicketDetails struct {
	PullID   string   `json:"pullId"`
	Tier     Tier     `json:"pullType"`
	TicketID string   `json:"ticketId"`
	Bonus    []string `json:"bonusTicketIds,omitempty"`
	Message  string   `json:"message"`
}

// ActivityDetails is a tagged variant: exactly one of the pointers is set and
// Kind names which one.
type ActivityDetails struct {
	Kind   ActivityType   `json:"kind"`
	Pull   *PullDetails   `json:"pull,omitempty"`
	Reward *RewardDetails `json:"reward,omitempty"`
	Ticket *TicketDetails `json:"ticket,omitempty"`
}

// NewRewardActivity builds a reward activity.
func NewRewardActivity(userID string, d RewardDetails) *Activity {
	return &Activity{UserID: userID, Type: ActivityReward, Details: ActivityDetails{Kind: ActivityReward, Reward: &d}}
}

// NewTicketActivity builds a ticket_earned activity.
func NewTicketActivity(userID string, d TicketDetails) *Activity {
	return &Activity{UserID: userID, Type: ActivityTicketEarned, Details: ActivityDetails{Kind: ActivityTicketEarned, Ticket: &d}}
}

// Validate checks that the variant matches its tag.
func (d ActivityDetails) Validate() error {
	set := 0
	if d.Pull != nil {
		set++
	}
	if d.Reward != nil {
		set++
	}
	if d.Ticket != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("activity details must carry exactly one variant, got %d", set)
	}

	switch d.Kind {
	case ActivityPull:
		if d.Pull == nil {
			return fmt.Errorf("activity kind %s without pull details", d.Kind)
		}
	case ActivityReward:
		if d.Reward == nil {
			return fmt.Errorf("activity kind %s without reward details", d.Kind)
		}
	case ActivityTicketEarned:
		if d.Ticket == nil {
			return fmt.Errorf("activity kind %s without ticket details", d.Kind)
		}
	default:
		return fmt.Errorf("unknown activity kind %q", d.Kind)
	}
	return nil
}

func (d *ActivityDetails) Scan(value any) error {
	switch t := value.(type) {
	case string:
		return json.Unmarshal([]byte(t), d)
	case []byte:
		return json.Unmarshal(t, d)
	default:
		return fmt.Errorf("cannot scan invalid data type %T", value)
	}
}

func (d ActivityDetails) Value() (driver.Value, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
