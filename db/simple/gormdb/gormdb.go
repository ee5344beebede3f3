package gormdb

import (
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/meidoworks/nekoq-notifyrelay/component"
)

// simpleRecord backs every SimpleStore table in one relation keyed by (tbl, obj_id)
type simpleRecord struct {
	Tbl       string    `gorm:"column:tbl;primaryKey;size:255"`
	ObjId     []byte    `gorm:"column:obj_id;primaryKey"`
	Data      []byte    `gorm:"column:data;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (simpleRecord) TableName() string {
	return "simple_store_records"
}

type gormStoreTable struct {
	name string
	db   *gorm.DB
}

func (g gormStoreTable) where() *gorm.DB {
	return g.db.Model(&simpleRecord{}).Where("tbl = ?", g.name)
}

func (g gormStoreTable) QueryById(id []byte, empty component.SimpleStoreObject) (component.SimpleStoreObject, error) {
	var rec simpleRecord
	err := g.where().Where("obj_id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if err := empty.Unmarshal(rec.Data); err != nil {
		return nil, err
	}
	return empty, nil
}

func (g gormStoreTable) Insert(obj component.SimpleStoreObject) error {
	data, err := obj.Marshal()
	if err != nil {
		return err
	}
	res := g.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&simpleRecord{
		Tbl:       g.name,
		ObjId:     obj.Id(),
		Data:      data,
		UpdatedAt: time.Now(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return component.ErrDuplicatedObjectById
	}
	return nil
}

func (g gormStoreTable) Save(obj component.SimpleStoreObject) error {
	data, err := obj.Marshal()
	if err != nil {
		return err
	}
	return g.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tbl"}, {Name: "obj_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&simpleRecord{
		Tbl:       g.name,
		ObjId:     obj.Id(),
		Data:      data,
		UpdatedAt: time.Now(),
	}).Error
}

func (g gormStoreTable) Delete(id []byte) error {
	return g.db.Where("tbl = ? AND obj_id = ?", g.name, id).Delete(&simpleRecord{}).Error
}

func (g gormStoreTable) Update(obj component.SimpleStoreObject) error {
	data, err := obj.Marshal()
	if err != nil {
		return err
	}
	return g.where().Where("obj_id = ?", obj.Id()).Updates(map[string]any{
		"data":       data,
		"updated_at": time.Now(),
	}).Error
}

type GormStore struct {
	db *gorm.DB
}

func (g *GormStore) Table(table string) component.SimpleStoreTable {
	return gormStoreTable{
		name: table,
		db:   g.db,
	}
}

func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ component.SimpleStore = new(GormStore)

type GormStoreConfig struct {
	DSN string
	// AutoMigrate creates the backing relation when missing
	AutoMigrate bool
}

func NewGormStore(cfg *GormStoreConfig) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return NewGormStoreWithDB(db, cfg.AutoMigrate)
}

func NewGormStoreWithDB(db *gorm.DB, autoMigrate bool) (*GormStore, error) {
	if autoMigrate {
		if err := db.AutoMigrate(&simpleRecord{}); err != nil {
			return nil, err
		}
	}
	return &GormStore{db: db}, nil
}
