package store

import (
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"

	"gorm.io/gorm"
)

//go:embed migrations/*/up.sql migrations/*/down.sql
var migrationsFS embed.FS

var migrationVersionRegex = regexp.MustCompile(`^(\d+)_`)

// SchemaVersion is the numeric prefix of a migration directory.
type SchemaVersion uint64

// SchemaMigration records an applied migration.
type SchemaMigration struct {
	Version SchemaVersion `gorm:"primaryKey"`
}

// Migration is one directory under migrations/ holding up.sql and down.sql.
type Migration struct {
	Version SchemaVersion
	Name    string
}

// UpSQL returns the forward statements for the migration.
func (m Migration) UpSQL() (string, error) {
	return m.read("up.sql")
}

// DownSQL returns the rollback statements for the migration.
func (m Migration) DownSQL() (string, error) {
	return m.read("down.sql")
}

func (m Migration) read(file string) (string, error) {
	data, err := fs.ReadFile(migrationsFS, "migrations/"+m.Name+"/"+file)
	if err != nil {
		return "", fmt.Errorf("read %s for migration %s: %w", file, m.Name, err)
	}
	return string(data), nil
}

// CurrentSchemaVersion returns the highest applied version, 0 on a fresh database.
func CurrentSchemaVersion(db *gorm.DB) (SchemaVersion, error) {
	var latest SchemaMigration
	err := db.Model(&SchemaMigration{}).
		Select("version").
		Order("version desc").
		Limit(1).
		Scan(&latest).Error
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return latest.Version, nil
}

// Migrate applies every embedded migration newer than the current schema version,
// each in its own transaction together with its SchemaMigration row.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&SchemaMigration{}); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	current, err := CurrentSchemaVersion(db)
	if err != nil {
		return err
	}
	pending, err := MigrationsNewerThan(current)
	if err != nil {
		return err
	}
	for _, m := range pending {
		up, err := m.UpSQL()
		if err != nil {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(up).Error; err != nil {
				return err
			}
			return tx.Create(&SchemaMigration{Version: m.Version}).Error
		})
		if err != nil {
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// MigrationsNewerThan lists embedded migrations with a version above minVersion, in ascending order.
func MigrationsNewerThan(minVersion SchemaVersion) ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	var out []Migration
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		match := migrationVersionRegex.FindStringSubmatch(entry.Name())
		if len(match) != 2 {
			return nil, fmt.Errorf("invalid migration directory name: %s", entry.Name())
		}
		v, err := strconv.ParseUint(match[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid migration version %s: %w", match[1], err)
		}
		if SchemaVersion(v) <= minVersion {
			continue
		}
		out = append(out, Migration{Version: SchemaVersion(v), Name: entry.Name()})
	}
	return out, nil
}
