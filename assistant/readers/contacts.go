package readers

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/svenhq/dispatch/assistant/policy"
)

// Tier membership lives in address book groups with these names.
var tierGroups = map[string]policy.Tier{
	"Claude Admin":     policy.TierAdmin,
	"Claude Wife":      policy.TierWife,
	"Claude Family":    policy.TierFamily,
	"Claude Favorites": policy.TierFavorite,
	"Claude Bots":      policy.TierBots,
}

// Contact is one address book entry with its resolved tier.
type Contact struct {
	Name   string
	Phone  string
	Emails []string
	Tier   policy.Tier
}

// Contacts is an immutable in-memory snapshot of the address book.
// Loading takes about a second; lookups after that are map hits.
type Contacts struct {
	all     []Contact
	byPhone map[string]int
	byEmail map[string]int
	byName  map[string]int
}

// AddressBookPath returns the default snapshot location under home.
func AddressBookPath(home string) string {
	return filepath.Join(home, "Library", "Application Support", "AddressBook", "AddressBook-v22.abcddb")
}

// LoadContacts reads the address book snapshot. A missing database
// yields an empty snapshot: every sender then resolves to unknown.
func LoadContacts(ctx context.Context, path string) (*Contacts, error) {
	c := &Contacts{
		byPhone: make(map[string]int),
		byEmail: make(map[string]int),
		byName:  make(map[string]int),
	}
	if !exists(path) {
		return c, nil
	}
	db, err := openReadOnly(path)
	if err != nil {
		return nil, errors.Wrap(err, "open address book")
	}
	defer db.Close()

	// Group membership decides the tier; first match wins.
	tierByPK := make(map[int64]policy.Tier)
	groupNames := make([]string, 0, len(tierGroups))
	for name := range tierGroups {
		groupNames = append(groupNames, "'"+name+"'")
	}
	rows, err := db.QueryContext(ctx, `
		SELECT pg.Z_22CONTACTS, g.ZNAME
		FROM Z_22PARENTGROUPS pg
		JOIN ZABCDRECORD g ON g.Z_PK = pg.Z_19PARENTGROUPS1
		WHERE g.ZNAME IN (`+strings.Join(groupNames, ",")+`)`)
	if err != nil {
		return nil, errors.Wrap(err, "query tier groups")
	}
	for rows.Next() {
		var pk int64
		var group string
		if err := rows.Scan(&pk, &group); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan tier group row")
		}
		if _, seen := tierByPK[pk]; !seen {
			tierByPK[pk] = tierGroups[group]
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// People records. Groups have no first or last name.
	idxByPK := make(map[int64]int)
	rows, err = db.QueryContext(ctx, `
		SELECT Z_PK, COALESCE(ZFIRSTNAME, ''), COALESCE(ZLASTNAME, '')
		FROM ZABCDRECORD
		WHERE ZFIRSTNAME IS NOT NULL OR ZLASTNAME IS NOT NULL`)
	if err != nil {
		return nil, errors.Wrap(err, "query contact records")
	}
	for rows.Next() {
		var pk int64
		var first, last string
		if err := rows.Scan(&pk, &first, &last); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan contact record")
		}
		tier, ok := tierByPK[pk]
		if !ok {
			tier = policy.TierUnknown
		}
		idxByPK[pk] = len(c.all)
		c.all = append(c.all, Contact{
			Name: strings.TrimSpace(first + " " + last),
			Tier: tier,
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.QueryContext(ctx, `SELECT ZOWNER, ZFULLNUMBER FROM ZABCDPHONENUMBER`)
	if err != nil {
		return nil, errors.Wrap(err, "query phone numbers")
	}
	for rows.Next() {
		var pk int64
		var number string
		if err := rows.Scan(&pk, &number); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan phone number")
		}
		if i, ok := idxByPK[pk]; ok {
			if c.all[i].Phone == "" {
				c.all[i].Phone = number
			}
			c.byPhone[normalizePhone(number)] = i
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.QueryContext(ctx, `SELECT ZOWNER, ZADDRESS FROM ZABCDEMAILADDRESS`)
	if err != nil {
		return nil, errors.Wrap(err, "query email addresses")
	}
	for rows.Next() {
		var pk int64
		var addr string
		if err := rows.Scan(&pk, &addr); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan email address")
		}
		if i, ok := idxByPK[pk]; ok {
			c.all[i].Emails = append(c.all[i].Emails, addr)
			c.byEmail[strings.ToLower(addr)] = i
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, contact := range c.all {
		key := strings.ToLower(contact.Name)
		if _, seen := c.byName[key]; !seen && key != "" {
			c.byName[key] = i
		}
	}
	return c, nil
}

// LookupIdentifier resolves a phone number or email to a contact.
func (c *Contacts) LookupIdentifier(id string) (Contact, bool) {
	if strings.Contains(id, "@") {
		i, ok := c.byEmail[strings.ToLower(id)]
		if !ok {
			return Contact{}, false
		}
		return c.all[i], true
	}
	i, ok := c.byPhone[normalizePhone(id)]
	if !ok {
		return Contact{}, false
	}
	return c.all[i], true
}

// LookupName resolves a display name, case-insensitively.
func (c *Contacts) LookupName(name string) (Contact, bool) {
	i, ok := c.byName[strings.ToLower(name)]
	if !ok {
		return Contact{}, false
	}
	return c.all[i], true
}

// TierFor resolves a sender identifier to its tier; unmatched
// identifiers are unknown.
func (c *Contacts) TierFor(id string) policy.Tier {
	if contact, ok := c.LookupIdentifier(id); ok {
		return contact.Tier
	}
	return policy.TierUnknown
}

// ListBlessed returns every contact trusted enough to admit a group.
func (c *Contacts) ListBlessed() []Contact {
	var out []Contact
	for _, contact := range c.all {
		if policy.Blessed(contact.Tier) {
			out = append(out, contact)
		}
	}
	return out
}

// HasBlessedParticipant reports whether any identifier in ids belongs
// to a blessed contact. Group messages from unknown senders are only
// admitted when this holds.
func (c *Contacts) HasBlessedParticipant(ids []string) bool {
	for _, id := range ids {
		if policy.Blessed(c.TierFor(id)) {
			return true
		}
	}
	return false
}

// normalizePhone reduces a phone number to its trailing digits so that
// "+1 (555) 010-2000", "15550102000", and "555-010-2000" all collide.
func normalizePhone(s string) string {
	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) == 11 && d[0] == '1' {
		d = d[1:]
	}
	return d
}
