package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates no GORM dialector matches the URL scheme.
	ErrUnsupportedDialect = errors.New("credstore.unsupported_dialect")

	errEmptyDatabaseURL = errors.New("credstore.empty_database_url")
	errSQLiteEmptyPath  = errors.New("credstore.sqlite.empty_path")
)

// DatabaseStore persists credentials through GORM, one encrypted blob per
// identity. Postgres and SQLite are selected by the database URL scheme, so a
// single-host deployment can run on a file and a shared one on a server.
type DatabaseStore struct {
	db          *gorm.DB
	cipher      *SnapshotCipher
	driverLabel string
}

type credentialRecord struct {
	UserUID       string `gorm:"column:user_uid;primaryKey"`
	Ciphertext    []byte `gorm:"column:ciphertext;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (credentialRecord) TableName() string {
	return "credentials"
}

// NewDatabaseStore opens the database, runs migrations, and wraps it with the
// storage cipher.
func NewDatabaseStore(ctx context.Context, databaseURL string, storageKey []byte) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("credstore.db.open: %w", errEmptyDatabaseURL)
	}
	snapshotCipher, cipherErr := NewSnapshotCipher(storageKey)
	if cipherErr != nil {
		return nil, fmt.Errorf("credstore.db.open: %w", cipherErr)
	}
	dialector, driverLabel, dialectErr := resolveDialector(databaseURL)
	if dialectErr != nil {
		return nil, dialectErr
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("credstore.db.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&credentialRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("credstore.db.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		cipher:      snapshotCipher,
		driverLabel: driverLabel,
	}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

// Get loads and decrypts the record for the identity.
func (store *DatabaseStore) Get(ctx context.Context, userUID string) (Credentials, error) {
	var record credentialRecord
	err := store.db.WithContext(ctx).Where("user_uid = ?", userUID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Credentials{}, ErrCredentialNotFound
		}
		return Credentials{}, fmt.Errorf("credstore.db.get.%s: %w", store.driverLabel, err)
	}
	plaintext, openErr := store.cipher.Open(record.Ciphertext)
	if openErr != nil {
		return Credentials{}, fmt.Errorf("credstore.db.get.%s: %w", store.driverLabel, openErr)
	}
	var credentials Credentials
	if unmarshalErr := json.Unmarshal(plaintext, &credentials); unmarshalErr != nil {
		return Credentials{}, fmt.Errorf("credstore.db.get.%s: %w", store.driverLabel, unmarshalErr)
	}
	return credentials, nil
}

// Put encrypts and upserts the record for the identity.
func (store *DatabaseStore) Put(ctx context.Context, userUID string, credentials Credentials) error {
	plaintext, marshalErr := json.Marshal(credentials)
	if marshalErr != nil {
		return fmt.Errorf("credstore.db.put.%s: %w", store.driverLabel, marshalErr)
	}
	sealed, sealErr := store.cipher.Seal(plaintext)
	if sealErr != nil {
		return fmt.Errorf("credstore.db.put.%s: %w", store.driverLabel, sealErr)
	}
	record := credentialRecord{
		UserUID:       userUID,
		Ciphertext:    sealed,
		UpdatedAtUnix: time.Now().UTC().Unix(),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_uid"}},
		DoUpdates: clause.AssignmentColumns([]string{"ciphertext", "updated_at_unix"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("credstore.db.put.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Delete removes the record; absent identities are a no-op.
func (store *DatabaseStore) Delete(ctx context.Context, userUID string) error {
	err := store.db.WithContext(ctx).Where("user_uid = ?", userUID).Delete(&credentialRecord{}).Error
	if err != nil {
		return fmt.Errorf("credstore.db.delete.%s: %w", store.driverLabel, err)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, parseErr := url.Parse(databaseURL)
	if parseErr != nil {
		return nil, "", fmt.Errorf("credstore.db.parse_url: %w", parseErr)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := sqliteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("credstore.db.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("credstore.db.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func sqliteDSN(parsed *url.URL) (string, error) {
	dsn := parsed.Opaque
	if dsn == "" {
		dsn = parsed.Host + parsed.Path
	}
	if dsn == "" {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		dsn += "?" + parsed.RawQuery
	}
	return dsn, nil
}
