package watcher

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// FileRecord is the per-file sync metadata kept between runs so settled
// writes that end at identical bytes do not re-upload.
type FileRecord struct {
	ID        uint      `gorm:"primarykey"`
	Path      string    `gorm:"uniqueIndex;not null"`
	Hash      string    `gorm:"not null"`
	Size      int64     `gorm:"not null"`
	ModTime   time.Time `gorm:"not null"`
	LastSync  time.Time `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FileCache manages the watch metadata database.
type FileCache struct {
	db *gorm.DB
}

func NewFileCache(dbPath string) (*FileCache, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %v", err)
	}
	if err := db.AutoMigrate(&FileRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate cache database: %v", err)
	}
	return &FileCache{db: db}, nil
}

// Reset clears all cached file metadata.
func (fc *FileCache) Reset() error {
	result := fc.db.Unscoped().Delete(&FileRecord{}, "1 = 1")
	return result.Error
}

// HashFile computes the xxHash of a file for fast comparison.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// ShouldUpload reports whether the file's content differs from the last
// synced state, returning the fresh hash for MarkSynced.
func (fc *FileCache) ShouldUpload(path string) (bool, string, error) {
	hash, err := HashFile(path)
	if err != nil {
		return false, "", err
	}
	var rec FileRecord
	err = fc.db.Where("path = ?", path).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, hash, nil
	}
	if err != nil {
		return false, "", err
	}
	return rec.Hash != hash, hash, nil
}

// MarkSynced records the state that was just enqueued for upload.
func (fc *FileCache) MarkSynced(path, hash string, size int64, modTime time.Time) error {
	rec := FileRecord{
		Path:     path,
		Hash:     hash,
		Size:     size,
		ModTime:  modTime,
		LastSync: time.Now(),
	}
	return fc.db.Where("path = ?", path).
		Assign(map[string]interface{}{
			"hash": hash, "size": size, "mod_time": modTime, "last_sync": rec.LastSync,
		}).
		FirstOrCreate(&rec).Error
}
