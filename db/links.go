package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrLinkNotFound = errors.New("link not found")

// Link is one configured peer. SendPassword is what we present in PASS;
// AcceptHash is the bcrypt hash the peer's PASS must match.
type Link struct {
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	Transport    string    `json:"transport"`
	SendPassword string    `json:"-"`
	AcceptHash   string    `json:"-"`
	Autoconnect  bool      `json:"autoconnect"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const linkColumns = `name, address, transport, send_password, accept_hash, autoconnect, updated_at`

func scanLink(row interface{ Scan(...any) error }) (Link, error) {
	var l Link
	var auto int
	var updated int64
	if err := row.Scan(&l.Name, &l.Address, &l.Transport, &l.SendPassword, &l.AcceptHash, &auto, &updated); err != nil {
		return Link{}, err
	}
	l.Autoconnect = auto == 1
	l.UpdatedAt = time.Unix(updated, 0)
	return l, nil
}

// UpsertLink inserts l or replaces the link with the same name.
func (s *Store) UpsertLink(l Link) error {
	if l.Name == "" || l.Address == "" {
		return fmt.Errorf("link needs a name and an address")
	}
	if l.Transport == "" {
		l.Transport = "tcp"
	}
	auto := 0
	if l.Autoconnect {
		auto = 1
	}
	query := `INSERT INTO links (` + linkColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		address = excluded.address,
		transport = excluded.transport,
		send_password = excluded.send_password,
		accept_hash = excluded.accept_hash,
		autoconnect = excluded.autoconnect,
		updated_at = excluded.updated_at`
	_, err := s.DB.Exec(query, l.Name, l.Address, l.Transport, l.SendPassword, l.AcceptHash, auto, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("error saving link %s: %w", l.Name, err)
	}
	return nil
}

func (s *Store) GetLink(name string) (Link, error) {
	query := `SELECT ` + linkColumns + ` FROM links WHERE name = ?`
	l, err := scanLink(s.DB.QueryRow(query, name))
	if err == sql.ErrNoRows {
		return Link{}, ErrLinkNotFound
	}
	if err != nil {
		return Link{}, fmt.Errorf("error reading link %s: %w", name, err)
	}
	return l, nil
}

func (s *Store) ListLinks() ([]Link, error) {
	return s.queryLinks(`SELECT ` + linkColumns + ` FROM links ORDER BY name`)
}

// AutoconnectLinks returns the links this server dials on its own.
func (s *Store) AutoconnectLinks() ([]Link, error) {
	return s.queryLinks(`SELECT ` + linkColumns + ` FROM links WHERE autoconnect = 1 ORDER BY name`)
}

func (s *Store) queryLinks(query string, args ...any) ([]Link, error) {
	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing links: %w", err)
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func (s *Store) DeleteLink(name string) error {
	res, err := s.DB.Exec(`DELETE FROM links WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("error deleting link %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLinkNotFound
	}
	return nil
}
