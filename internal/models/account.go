package models

import (
	"net"
	"strconv"
	"time"
)

// Account is one remote IMAP account. Healthy is only set after a successful
// authentication probe.
type Account struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	UseTLS    bool      `json:"use_tls"`
	Healthy   bool      `json:"healthy"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Address returns the host:port pair to dial.
func (a *Account) Address() string {
	port := a.Port
	if port == 0 {
		port = 143
		if a.UseTLS {
			port = 993
		}
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(port))
}
