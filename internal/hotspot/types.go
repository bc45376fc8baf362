package hotspot

import (
	"strconv"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/routeros"
)

// Account is a hotspot user as printed by the router. ID is only meaningful
// within the session that read it.
type Account struct {
	ID          string `json:"-"`
	Name        string `json:"name"`
	Password    string `json:"-"`
	Profile     string `json:"profile"`
	LimitUptime string `json:"limit_uptime,omitempty"`
	Uptime      string `json:"uptime,omitempty"`
	Comment     string `json:"comment,omitempty"`
	Server      string `json:"server,omitempty"`
	MACAddress  string `json:"mac_address,omitempty"`
	BytesIn     int64  `json:"bytes_in"`
	BytesOut    int64  `json:"bytes_out"`
	Disabled    bool   `json:"disabled"`
}

// ActiveSession is a logged-in hotspot client.
type ActiveSession struct {
	ID              string `json:"-"`
	User            string `json:"user"`
	Address         string `json:"address"`
	MACAddress      string `json:"mac_address"`
	Uptime          string `json:"uptime"`
	SessionTimeLeft string `json:"session_time_left,omitempty"`
	LoginBy         string `json:"login_by,omitempty"`
	BytesIn         int64  `json:"bytes_in"`
	BytesOut        int64  `json:"bytes_out"`
}

// Profile is a hotspot user profile.
type Profile struct {
	Name           string `json:"name"`
	SharedUsers    string `json:"shared_users,omitempty"`
	RateLimit      string `json:"rate_limit,omitempty"`
	SessionTimeout string `json:"session_timeout,omitempty"`
	IdleTimeout    string `json:"idle_timeout,omitempty"`
}

// Resources is the subset of /system/resource shown to operators.
type Resources struct {
	Uptime      string `json:"uptime"`
	Version     string `json:"version"`
	BoardName   string `json:"board_name"`
	CPULoad     int    `json:"cpu_load"`
	FreeMemory  int64  `json:"free_memory"`
	TotalMemory int64  `json:"total_memory"`
}

// ConnectivityReport is the outcome of a router probe.
type ConnectivityReport struct {
	Reachable      bool    `json:"reachable"`
	RouterIdentity string  `json:"router_identity"`
	ElapsedMs      float64 `json:"elapsed_ms"`
	Message        string  `json:"message"`
	Address        string  `json:"address,omitempty"`
}

func accountFrom(s routeros.Sentence) Account {
	a := s.Attributes
	return Account{
		ID:          a[".id"],
		Name:        a["name"],
		Password:    a["password"],
		Profile:     a["profile"],
		LimitUptime: a["limit-uptime"],
		Uptime:      a["uptime"],
		Comment:     a["comment"],
		Server:      a["server"],
		MACAddress:  a["mac-address"],
		BytesIn:     atoi64(a["bytes-in"]),
		BytesOut:    atoi64(a["bytes-out"]),
		Disabled:    a["disabled"] == "true" || a["disabled"] == "yes",
	}
}

func activeFrom(s routeros.Sentence) ActiveSession {
	a := s.Attributes
	return ActiveSession{
		ID:              a[".id"],
		User:            a["user"],
		Address:         a["address"],
		MACAddress:      a["mac-address"],
		Uptime:          a["uptime"],
		SessionTimeLeft: a["session-time-left"],
		LoginBy:         a["login-by"],
		BytesIn:         atoi64(a["bytes-in"]),
		BytesOut:        atoi64(a["bytes-out"]),
	}
}

func profileFrom(s routeros.Sentence) Profile {
	a := s.Attributes
	return Profile{
		Name:           a["name"],
		SharedUsers:    a["shared-users"],
		RateLimit:      a["rate-limit"],
		SessionTimeout: a["session-timeout"],
		IdleTimeout:    a["idle-timeout"],
	}
}

func resourcesFrom(a map[string]string) Resources {
	return Resources{
		Uptime:      a["uptime"],
		Version:     a["version"],
		BoardName:   a["board-name"],
		CPULoad:     int(atoi64(a["cpu-load"])),
		FreeMemory:  atoi64(a["free-memory"]),
		TotalMemory: atoi64(a["total-memory"]),
	}
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
