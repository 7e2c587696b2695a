package store

import (
	"errors"

	"gorm.io/gorm"
)

// SaveSample appends one location fix to the ledger.
func SaveSample(db *gorm.DB, sample *LocationSample) error {
	return persistErr("save sample", db.Create(sample).Error)
}

// UnsyncedSamples returns up to limit fixes not yet delivered to the cloud,
// oldest first.
func UnsyncedSamples(db *gorm.DB, limit int) ([]LocationSample, error) {
	var samples []LocationSample
	res := db.Where("synced = ?", false).
		Order("timestamp asc").
		Limit(limit).
		Find(&samples)
	return samples, persistErr("unsynced samples", res.Error)
}

// MarkSamplesSynced flags a batch of fixes as delivered.
func MarkSamplesSynced(db *gorm.DB, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	err := db.Model(&LocationSample{}).Where("id IN ?", ids).Update("synced", true).Error
	return persistErr("mark samples synced", err)
}

// LatestSample returns the most recent fix, or nil when none exist.
func LatestSample(db *gorm.DB) (*LocationSample, error) {
	var sample LocationSample
	err := db.Order("timestamp desc").First(&sample).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("latest sample", err)
	}
	return &sample, nil
}
