package dto

import (
	"github.com/shopspring/decimal"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/hotspot"
)

// UpsertAccountRequest creates or updates a hotspot account with a plan.
type UpsertAccountRequest struct {
	Password string `json:"password" binding:"required,min=1,max=64"`
	Plan     string `json:"plan" binding:"required"`
}

type AccountResponse struct {
	Name        string `json:"name"`
	Profile     string `json:"profile"`
	LimitUptime string `json:"limit_uptime,omitempty"`
	Uptime      string `json:"uptime,omitempty"`
	Plan        string `json:"plan,omitempty"`
	MACAddress  string `json:"mac_address,omitempty"`
	BytesIn     int64  `json:"bytes_in"`
	BytesOut    int64  `json:"bytes_out"`
	Disabled    bool   `json:"disabled"`
}

// AccountFrom hides the password and router id. The plan is the comment
// written at provisioning time.
func AccountFrom(a hotspot.Account) AccountResponse {
	return AccountResponse{
		Name:        a.Name,
		Profile:     a.Profile,
		LimitUptime: a.LimitUptime,
		Uptime:      a.Uptime,
		Plan:        a.Comment,
		MACAddress:  a.MACAddress,
		BytesIn:     a.BytesIn,
		BytesOut:    a.BytesOut,
		Disabled:    a.Disabled,
	}
}

type DisconnectResponse struct {
	Username     string `json:"username"`
	Disconnected int    `json:"disconnected"`
}

type PlanResponse struct {
	ID          string          `json:"id"`
	UptimeLimit string          `json:"uptime_limit"`
	Profile     string          `json:"profile"`
	Price       decimal.Decimal `json:"price"`
	Aliases     []string        `json:"aliases,omitempty"`
}

func PlanFrom(p hotspot.Plan) PlanResponse {
	return PlanResponse{
		ID:          p.ID,
		UptimeLimit: p.RouterUptime(),
		Profile:     p.Profile,
		Price:       p.Price,
		Aliases:     p.Aliases,
	}
}
