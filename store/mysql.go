package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
)

// see dev/schema.sql.
const (
	insertMessageSQL = "INSERT INTO messages (id,conv_key,sender_id,receiver_id,text,image,seen,create_time) " +
		"VALUES (?,?,?,?,?,?,0,?)"
	getMessageSQL = "SELECT id,sender_id,receiver_id,text,image,seen,create_time FROM messages WHERE id=?"
	listConvSQL   = "SELECT id,sender_id,receiver_id,text,image,seen,create_time FROM messages " +
		"WHERE conv_key=? ORDER BY create_time ASC"
	lockMessageSQL   = "SELECT seen FROM messages WHERE id=? FOR UPDATE"
	setSeenSQL       = "UPDATE messages SET seen=1 WHERE id=? AND seen=0"
	countUnseenSQL   = "SELECT sender_id, COUNT(id) FROM messages WHERE receiver_id=? AND seen=0 AND sender_id IN (%s) GROUP BY sender_id"
	insertUserSQL    = "INSERT INTO users (id,username,full_name,email,password_hash,profile_pic,bio,create_time) VALUES (?,?,?,?,?,?,?,?)"
	userColumns      = "id,username,full_name,email,password_hash,profile_pic,bio,create_time"
	getUserSQL       = "SELECT " + userColumns + " FROM users WHERE id=?"
	getUserEmailSQL  = "SELECT " + userColumns + " FROM users WHERE email=?"
	getContactsSQL   = "SELECT contact_id FROM contacts WHERE owner_id=? ORDER BY create_time ASC"
	updateUserSQL    = "UPDATE users SET full_name=?, bio=? WHERE id=?"
	updatePicSQL     = "UPDATE users SET full_name=?, bio=?, profile_pic=? WHERE id=?"
	insertContactSQL = "INSERT INTO contacts (owner_id,contact_id,create_time) VALUES (?,?,?)"
	searchUsersSQL   = "SELECT " + userColumns + " FROM users WHERE username LIKE ? ESCAPE '\\\\'%s ORDER BY username ASC LIMIT ?"
)

const (
	mysqlDupKey = 1062

	usernameUniqueKey = "uk_username"
	emailUniqueKey    = "uk_email"

	defaultSearchLimit = 20
)

type scanner interface {
	Scan(dest ...interface{}) error
}

// MysqlStore implements `IStore` on mysql, see dev/schema.sql.
type MysqlStore struct {
	*sql.DB
	clock *Clock
}

func NewMysqlStore(db *sql.DB) *MysqlStore {
	return &MysqlStore{DB: db, clock: NewClock()}
}

// MysqlDSN adds to dsn the options the store depends on: DATETIME columns are scanned into
// time.Time, in UTC.
func MysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func (s *MysqlStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func isDupKeyError(err error) (string, bool) {
	var val *mysql.MySQLError
	if errors.As(err, &val) && val.Number == mysqlDupKey {
		return val.Message, true
	}
	return "", false
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func scanMessage(row scanner) (*Message, error) {
	var m Message
	var seen byte
	if err := row.Scan(&m.Id, &m.SenderId, &m.ReceiverId, &m.Text, &m.Image, &seen, &m.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.Seen = seen > 0
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func (s *MysqlStore) SaveMessage(ctx context.Context, m *Message) error {
	m.Id = NewId()
	m.CreatedAt = s.clock.Now()
	m.Seen = false

	if _, err := s.ExecContext(ctx, insertMessageSQL, m.Id, ConversationKey(m.SenderId, m.ReceiverId),
		m.SenderId, m.ReceiverId, m.Text, m.Image, m.CreatedAt); err != nil {
		glog.Errorf("insert message exec err: %v", err)
		return err
	}
	return nil
}

func (s *MysqlStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	return scanMessage(s.QueryRowContext(ctx, getMessageSQL, id))
}

func (s *MysqlStore) ListConversation(ctx context.Context, a, b string) ([]*Message, error) {
	rows, err := s.QueryContext(ctx, listConvSQL, ConversationKey(a, b))
	if err != nil {
		glog.Errorf("list conversation query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	out := []*Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			glog.Errorf("list conversation scan err: %v", err)
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *MysqlStore) MarkSeen(ctx context.Context, id string) (bool, error) {
	var changed bool
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var seen byte
		if err := tx.QueryRowContext(ctx, lockMessageSQL, id).Scan(&seen); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		if seen > 0 {
			return nil
		}

		res, err := tx.ExecContext(ctx, setSeenSQL, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		changed = n == 1
		return nil
	}); err != nil {
		return false, err
	}
	return changed, nil
}

func (s *MysqlStore) CountUnseen(ctx context.Context, viewer string, senders []string) (map[string]int32, error) {
	out := make(map[string]int32, len(senders))
	if len(senders) == 0 {
		return out, nil
	}
	for _, v := range senders {
		out[v] = 0
	}

	args := []interface{}{viewer}
	for _, v := range senders {
		args = append(args, v)
	}
	rows, err := s.QueryContext(ctx, fmt.Sprintf(countUnseenSQL, placeholders(len(senders))), args...)
	if err != nil {
		glog.Errorf("count unseen query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var sender string
		var n int32
		if err := rows.Scan(&sender, &n); err != nil {
			return nil, err
		}
		out[sender] = n
	}
	return out, rows.Err()
}

func (s *MysqlStore) CreateUser(ctx context.Context, u *User) error {
	u.Id = NewId()
	u.CreatedAt = s.clock.Now()
	if u.Contacts == nil {
		u.Contacts = []string{}
	}

	if _, err := s.ExecContext(ctx, insertUserSQL, u.Id, strings.TrimSpace(u.Username), u.FullName,
		normalizeEmail(u.Email), u.PasswordHash, u.ProfilePic, u.Bio, u.CreatedAt); err != nil {
		if msg, ok := isDupKeyError(err); ok {
			switch {
			case strings.Contains(msg, usernameUniqueKey):
				return ErrDupUsername
			case strings.Contains(msg, emailUniqueKey):
				return ErrDupEmail
			}
		}
		return err
	}
	return nil
}

func (s *MysqlStore) scanUser(ctx context.Context, row scanner) (*User, error) {
	var u User
	if err := row.Scan(&u.Id, &u.Username, &u.FullName, &u.Email, &u.PasswordHash, &u.ProfilePic,
		&u.Bio, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()

	contacts, err := s.getContacts(ctx, u.Id)
	if err != nil {
		return nil, err
	}
	u.Contacts = contacts
	return &u, nil
}

func (s *MysqlStore) getContacts(ctx context.Context, owner string) ([]string, error) {
	rows, err := s.QueryContext(ctx, getContactsSQL, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *MysqlStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.scanUser(ctx, s.QueryRowContext(ctx, getUserSQL, id))
}

func (s *MysqlStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(ctx, s.QueryRowContext(ctx, getUserEmailSQL, normalizeEmail(email)))
}

func (s *MysqlStore) GetUsers(ctx context.Context, ids []string) ([]*User, error) {
	out := make([]*User, 0, len(ids))
	for _, id := range ids {
		u, err := s.GetUser(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *MysqlStore) UpdateProfile(ctx context.Context, id, fullName, bio, profilePic string) (*User, error) {
	var err error
	if profilePic == "" {
		_, err = s.ExecContext(ctx, updateUserSQL, fullName, bio, id)
	} else {
		_, err = s.ExecContext(ctx, updatePicSQL, fullName, bio, profilePic, id)
	}
	if err != nil {
		return nil, err
	}
	// RowsAffected is 0 for unchanged rows, existence is checked by reading back.
	return s.GetUser(ctx, id)
}

func (s *MysqlStore) AddContact(ctx context.Context, owner, contact string) error {
	if _, err := s.ExecContext(ctx, insertContactSQL, owner, contact, s.clock.Now()); err != nil {
		if _, ok := isDupKeyError(err); ok {
			return ErrDupContact
		}
		return err
	}
	return nil
}

func (s *MysqlStore) SearchUsers(ctx context.Context, prefix string, exclude []string, limit int) ([]*User, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var notIn string
	args := []interface{}{escapeLike(strings.TrimSpace(prefix)) + "%"}
	if len(exclude) > 0 {
		notIn = fmt.Sprintf(" AND id NOT IN (%s)", placeholders(len(exclude)))
		for _, v := range exclude {
			args = append(args, v)
		}
	}
	args = append(args, limit)

	rows, err := s.QueryContext(ctx, fmt.Sprintf(searchUsersSQL, notIn), args...)
	if err != nil {
		glog.Errorf("search users query err: %v", err)
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Id, &u.Username, &u.FullName, &u.Email, &u.PasswordHash, &u.ProfilePic,
			&u.Bio, &u.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, u.Id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return s.GetUsers(ctx, ids)
}
