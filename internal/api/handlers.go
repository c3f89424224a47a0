package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/wnt/fortuna/internal/errorx"
	"github.com/wnt/fortuna/internal/models"
	"github.com/wnt/fortuna/internal/period"
	"github.com/wnt/fortuna/internal/pull"
	"github.com/wnt/fortuna/internal/tiers"
)

type pullRequest struct {
	Tier           string `json:"tier"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type ticketView struct {
	ID        string    `json:"id"`
	Tier      string    `json:"tier"`
	Quantity  int       `json:"quantity"`
	Bonus     bool      `json:"bonus,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

type pullDetails struct {
	Prize    string      `json:"prize,omitempty"`
	PullType string      `json:"pullType"`
	Message  string      `json:"message"`
	Ticket   *ticketView `json:"ticket,omitempty"`
	Bonus    []string    `json:"bonusTicketIds,omitempty"`
}

type pullResponse struct {
	Type           string      `json:"type"`
	Details        pullDetails `json:"details"`
	IdempotencyKey string      `json:"idempotencyKey"`
	Replayed       bool        `json:"replayed,omitempty"`
}

func (s *Server) pull(ctx context.Context, user *models.User, r *http.Request) (pullResponse, error) {
	var req pullRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return pullResponse{}, errorx.New(errorx.BadRequest, "invalid request body")
	}
	tier, err := models.ParseTier(req.Tier)
	if err != nil {
		return pullResponse{}, errorx.Wrap(errorx.InvalidTier, "invalid tier", err)
	}

	out, err := s.engine.Pull(ctx, pull.Request{
		UserID:         user.ID,
		Tier:           tier,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return pullResponse{}, err
	}

	resp := pullResponse{
		Type: string(out.Type),
		Details: pullDetails{
			PullType: string(out.Tier),
			Message:  out.Message,
			Bonus:    out.BonusTicketIDs,
		},
		IdempotencyKey: out.IdempotencyKey,
		Replayed:       out.Replayed,
	}
	if out.Prize > 0 {
		resp.Details.Prize = tiers.FormatSOL(out.Prize)
	}
	if out.TicketID != "" {
		resp.Details.Ticket = &ticketView{ID: out.TicketID, Tier: string(out.Tier), Quantity: 1}
	}
	return resp, nil
}

type ticketsResponse struct {
	Counts  map[string]int `json:"counts"`
	Tickets []ticketView   `json:"tickets"`
}

func (s *Server) tickets(ctx context.Context, user *models.User, _ *http.Request) (ticketsResponse, error) {
	counts, err := s.store.OutstandingCounts(ctx, user.ID)
	if err != nil {
		return ticketsResponse{}, err
	}
	tickets, err := s.store.TicketsByUser(ctx, user.ID, true)
	if err != nil {
		return ticketsResponse{}, err
	}

	resp := ticketsResponse{
		Counts:  make(map[string]int, len(counts)),
		Tickets: make([]ticketView, 0, len(tickets)),
	}
	for tier, n := range counts {
		resp.Counts[string(tier)] = n
	}
	for _, t := range tickets {
		resp.Tickets = append(resp.Tickets, ticketView{
			ID:        t.ID,
			Tier:      string(t.Tier),
			Quantity:  t.Quantity,
			Bonus:     t.Tier == models.TierYearly,
			CreatedAt: t.CreatedAt,
		})
	}
	return resp, nil
}

type activityView struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Details   models.ActivityDetails `json:"details"`
	CreatedAt time.Time              `json:"createdAt"`
}

func (s *Server) activities(ctx context.Context, user *models.User, r *http.Request) ([]activityView, error) {
	limit, err := limitParam(r)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ActivitiesByUser(ctx, user.ID, limit)
	if err != nil {
		return nil, err
	}

	out := make([]activityView, 0, len(rows))
	for _, a := range rows {
		out = append(out, activityView{
			ID:        a.ID,
			Type:      string(a.Type),
			Details:   a.Details,
			CreatedAt: a.CreatedAt,
		})
	}
	return out, nil
}

type drawView struct {
	ID          string    `json:"id,omitempty"`
	Tier        string    `json:"tier"`
	PeriodStart time.Time `json:"periodStart"`
	DrawTime    time.Time `json:"drawTime"`
	Prize       string    `json:"prize"`
	Rollover    string    `json:"rollover"`
}

// upcomingDraws lists pending draws. A tier whose current period has no
// draw row yet is shown with its base prize.
func (s *Server) upcomingDraws(ctx context.Context, _ *http.Request) (any, error) {
	pending, err := s.store.DrawsByStatus(ctx, models.DrawStatusPending)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	out := make([]drawView, 0, len(pending)+len(models.AllTiers))
	open := make(map[models.Tier]map[int64]bool)
	for _, d := range pending {
		if open[d.Tier] == nil {
			open[d.Tier] = make(map[int64]bool)
		}
		open[d.Tier][d.PeriodStart.Unix()] = true
		out = append(out, drawView{
			ID:          d.ID,
			Tier:        string(d.Tier),
			PeriodStart: d.PeriodStart.UTC(),
			DrawTime:    d.DrawTime.UTC(),
			Prize:       tiers.FormatSOL(d.PrizeAmount),
			Rollover:    tiers.FormatSOL(d.RolloverAmount),
		})
	}

	for _, tier := range models.AllTiers {
		table, ok := s.tables[tier]
		if !ok {
			continue
		}
		start, end := period.Window(tier, now)
		if open[tier][start.Unix()] {
			continue
		}
		out = append(out, drawView{
			Tier:        string(tier),
			PeriodStart: start,
			DrawTime:    end,
			Prize:       tiers.FormatSOL(table.BasePrize),
			Rollover:    tiers.FormatSOL(0),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DrawTime.Equal(out[j].DrawTime) {
			return out[i].DrawTime.Before(out[j].DrawTime)
		}
		return out[i].Tier < out[j].Tier
	})
	return out, nil
}

type winnerView struct {
	ID                   string    `json:"id"`
	WalletAddress        string    `json:"walletAddress"`
	DrawType             string    `json:"drawType"`
	Prize                string    `json:"prize"`
	CreatedAt            time.Time `json:"createdAt"`
	TransactionSignature *string   `json:"transactionSignature"`
}

func (s *Server) winners(ctx context.Context, r *http.Request) (any, error) {
	limit, err := limitParam(r)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.RecentWinners(ctx, limit)
	if err != nil {
		return nil, err
	}

	out := make([]winnerView, 0, len(rows))
	for _, w := range rows {
		out = append(out, winnerView{
			ID:                   w.ID,
			WalletAddress:        w.User.WalletAddress,
			DrawType:             string(w.Draw.Tier),
			Prize:                tiers.FormatSOL(w.PrizeAmount),
			CreatedAt:            w.CreatedAt,
			TransactionSignature: w.TransactionSignature,
		})
	}
	return out, nil
}
