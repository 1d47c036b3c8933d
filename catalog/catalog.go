// Package catalog stores decode results in a SQLite database so that
// several captures of the same disk can be compared later.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/sergev/fluxdecode/sector"
	"github.com/sergev/fluxdecode/track"
)

// Session groups the tracks decoded from one capture.
type Session struct {
	ID        string    `gorm:"primarykey;size:36" json:"id"`
	Source    string    `gorm:"size:255" json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Track is the summary of one decoded track.
type Track struct {
	ID          uint   `gorm:"primarykey" json:"id"`
	SessionID   string `gorm:"index;size:36;not null" json:"session_id"`
	Encoding    string `gorm:"size:16" json:"encoding"`
	Revolutions int    `json:"revolutions"`
	Found       int    `json:"found"`
	Good        int    `json:"good"`
	Bad         int    `json:"bad"`
	SyncLosses  int    `json:"sync_losses"`
	BitCount    int    `json:"bit_count"`
	WeakBits    int    `json:"weak_bits"`
	CreatedAt   time.Time
}

// Sector is one merged logical sector.
type Sector struct {
	ID         uint   `gorm:"primarykey" json:"id"`
	SessionID  string `gorm:"index:idx_sector_chs;size:36;not null" json:"session_id"`
	TrackID    uint   `gorm:"index" json:"track_id"`
	Encoding   string `gorm:"size:16" json:"encoding"`
	Cylinder   int    `gorm:"index:idx_sector_chs" json:"cylinder"`
	Head       int    `gorm:"index:idx_sector_chs" json:"head"`
	Sector     int    `gorm:"index:idx_sector_chs" json:"sector"`
	Mark       byte   `json:"mark"`
	CRC        uint16 `json:"crc"`
	CRCOK      bool   `gorm:"column:crc_ok" json:"crc_ok"`
	Revolution int    `json:"revolution"`
	Copies     int    `json:"copies"`
	GoodCopies int    `json:"good_copies"`
	Data       []byte `json:"-"`
}

// WeakRegion is a run of weak bits on a fused track.
type WeakRegion struct {
	ID            uint   `gorm:"primarykey" json:"id"`
	SessionID     string `gorm:"index;size:36;not null" json:"session_id"`
	TrackID       uint   `gorm:"index" json:"track_id"`
	StartBit      int    `json:"start_bit"`
	EndBit        int    `json:"end_bit"`
	Length        int    `json:"length"`
	MinConfidence uint8  `json:"min_confidence"`
	AvgConfidence uint8  `json:"avg_confidence"`
}

// Catalog wraps the GORM database.
type Catalog struct {
	db *gorm.DB
}

// Open opens or creates the database at path and migrates the schema.
func Open(path string, log *logrus.Entry) (*Catalog, error) {
	var gormLog gormlogger.Interface
	if log != nil {
		gormLog = gormlogger.New(log, gormlogger.Config{
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	} else {
		gormLog = gormlogger.Default.LogMode(gormlogger.Silent)
	}

	dialector := sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := configureSQLite(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("configure catalog %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Session{}, &Track{}, &Sector{}, &WeakRegion{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate catalog %s: %w", path, err)
	}
	return &Catalog{db: db}, nil
}

func configureSQLite(sqlDB *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return err
		}
	}
	return nil
}

// DB returns the underlying GORM database instance.
func (c *Catalog) DB() *gorm.DB {
	return c.db
}

// Close closes the database.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NewSession records a new capture session.
func (c *Catalog) NewSession(source string) (*Session, error) {
	s := &Session{ID: uuid.NewString(), Source: source}
	if err := c.db.Create(s).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// Session looks up a session by id.
func (c *Catalog) Session(id string) (*Session, error) {
	var s Session
	err := c.db.Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("session %s: %w", id, sector.ErrInvalidArgument)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveTrack stores the summary, merged sectors and weak regions of a
// decoded track in one transaction.
func (c *Catalog) SaveTrack(session *Session, res *track.Result) (*Track, error) {
	if session == nil || res == nil {
		return nil, sector.ErrNilBuffer
	}
	row := &Track{
		SessionID:   session.ID,
		Encoding:    res.Encoding.String(),
		Revolutions: len(res.Revolutions),
		Found:       res.Stats.Found,
		Good:        res.Stats.Good,
		Bad:         res.Stats.Bad,
		SyncLosses:  res.Stats.SyncLosses,
		BitCount:    res.Weak.BitCount,
		WeakBits:    res.Weak.WeakBits,
	}

	err := c.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		if len(res.Sectors) > 0 {
			sectors := make([]Sector, len(res.Sectors))
			for i, s := range res.Sectors {
				rec := s.Record
				sectors[i] = Sector{
					SessionID:  session.ID,
					TrackID:    row.ID,
					Encoding:   rec.Encoding.String(),
					Cylinder:   rec.Address.Cylinder,
					Head:       rec.Address.Head,
					Sector:     rec.Address.Sector,
					Mark:       rec.Mark,
					CRC:        rec.CRC,
					CRCOK:      rec.CRCOK,
					Revolution: s.Revolution,
					Copies:     s.Copies,
					GoodCopies: s.GoodCopies,
					Data:       rec.Data,
				}
			}
			if err := tx.Create(&sectors).Error; err != nil {
				return err
			}
		}
		if len(res.Weak.Regions) > 0 {
			regions := make([]WeakRegion, len(res.Weak.Regions))
			for i, r := range res.Weak.Regions {
				regions[i] = WeakRegion{
					SessionID:     session.ID,
					TrackID:       row.ID,
					StartBit:      r.Start,
					EndBit:        r.End,
					Length:        r.Length,
					MinConfidence: r.MinConfidence,
					AvgConfidence: r.AvgConfidence,
				}
			}
			if err := tx.Create(&regions).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save track for session %s: %w", session.ID, err)
	}
	return row, nil
}

// Tracks returns the tracks of a session in the order they were saved.
func (c *Catalog) Tracks(sessionID string) ([]Track, error) {
	var rows []Track
	err := c.db.Where("session_id = ?", sessionID).Order("id").Find(&rows).Error
	return rows, err
}

// Sectors returns the sectors of a session ordered by cylinder, head
// and sector number.
func (c *Catalog) Sectors(sessionID string) ([]Sector, error) {
	var rows []Sector
	err := c.db.Where("session_id = ?", sessionID).
		Order("cylinder, head, sector, id").
		Find(&rows).Error
	return rows, err
}

// BadSectors returns the sectors of a session without a verified copy.
func (c *Catalog) BadSectors(sessionID string) ([]Sector, error) {
	var rows []Sector
	err := c.db.Where("session_id = ? AND crc_ok = ?", sessionID, false).
		Order("cylinder, head, sector, id").
		Find(&rows).Error
	return rows, err
}

// WeakRegions returns the weak regions of a session.
func (c *Catalog) WeakRegions(sessionID string) ([]WeakRegion, error) {
	var rows []WeakRegion
	err := c.db.Where("session_id = ?", sessionID).Order("track_id, start_bit").Find(&rows).Error
	return rows, err
}
