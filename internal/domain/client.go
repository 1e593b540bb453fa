package domain

import (
	"errors"
	"strings"
	"time"
)

var ErrInvalidClientName = errors.New("first name and last initial are required")

type Client struct {
	ID          string
	FirstName   string
	LastInitial string
	CreatedAt   time.Time
}

func (c Client) DisplayName() string {
	return c.FirstName + " " + c.LastInitial + "."
}

// NormalizeClientName trims the identity fields and rejects blanks.
func NormalizeClientName(firstName, lastInitial string) (string, string, error) {
	firstName = strings.TrimSpace(firstName)
	lastInitial = strings.TrimSuffix(strings.TrimSpace(lastInitial), ".")
	if firstName == "" || lastInitial == "" {
		return "", "", ErrInvalidClientName
	}
	return firstName, lastInitial, nil
}
