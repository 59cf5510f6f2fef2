package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Elmontak/calsync/internal/crypto"
	"github.com/Elmontak/calsync/internal/mailsource"
	"github.com/Elmontak/calsync/internal/store"
)

// MailboxSettings is the decoded shape of a mailbox Account's Settings blob.
type MailboxSettings struct {
	Host           string `json:"host"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	SSL            bool   `json:"ssl"`
	Port           int    `json:"port"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// CalendarSettings is the decoded shape of a calendar Account's Settings blob.
type CalendarSettings struct {
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func decodeMailboxSettings(enc *crypto.Encryptor, account *store.Account) (mailsource.Settings, error) {
	var raw MailboxSettings
	if err := json.Unmarshal([]byte(account.Settings), &raw); err != nil {
		return mailsource.Settings{}, fmt.Errorf("failed to decode mailbox settings for account %s: %w", account.ID, err)
	}
	password, err := enc.Decrypt(raw.Password)
	if err != nil {
		return mailsource.Settings{}, fmt.Errorf("failed to decrypt mailbox password for account %s: %w", account.ID, err)
	}
	timeout := time.Duration(raw.TimeoutSeconds) * time.Second
	if raw.TimeoutSeconds <= 0 {
		timeout = 180 * time.Second
	}
	return mailsource.Settings{
		Host:     raw.Host,
		Username: raw.Username,
		Password: password,
		SSL:      raw.SSL,
		Port:     raw.Port,
		Timeout:  timeout,
	}, nil
}

func decodeCalendarSettings(enc *crypto.Encryptor, account *store.Account) (CalendarSettings, error) {
	var raw CalendarSettings
	if err := json.Unmarshal([]byte(account.Settings), &raw); err != nil {
		return CalendarSettings{}, fmt.Errorf("failed to decode calendar settings for account %s: %w", account.ID, err)
	}
	password, err := enc.Decrypt(raw.Password)
	if err != nil {
		return CalendarSettings{}, fmt.Errorf("failed to decrypt calendar password for account %s: %w", account.ID, err)
	}
	raw.Password = password
	return raw, nil
}
