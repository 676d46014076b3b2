package relay

import (
	"context"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/juju/errors"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// RoomStats 是一个 topic 的累计活动
type RoomStats struct {
	Topic     string    `gorm:"primaryKey;type:varchar(191)" json:"topic"`
	Messages  uint64    `gorm:"default:0" json:"messages"`
	Bytes     uint64    `gorm:"default:0" json:"bytes"`
	CreatedAt time.Time `json:"firstSeen"`
	UpdatedAt time.Time `json:"lastSeen"`
}

// RoomRegistry 持久化每个 topic 的首次/最近出现时间和消息计数
type RoomRegistry interface {
	Record(ctx context.Context, topic string, messages, bytes uint64) error
	List(ctx context.Context) ([]RoomStats, error)
	Get(ctx context.Context, topic string) (*RoomStats, error)
}

type gormRegistry struct {
	db *gorm.DB
}

func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, errors.Annotate(err, "open mysql")
	}
	return db, nil
}

// NewRoomRegistry 会自动迁移 room_stats 表
func NewRoomRegistry(db *gorm.DB) (RoomRegistry, error) {
	if err := db.AutoMigrate(&RoomStats{}); err != nil {
		return nil, errors.Annotate(err, "migrate room_stats")
	}
	return &gormRegistry{db: db}, nil
}

// 1062 = duplicate key
func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

func (r *gormRegistry) increment(ctx context.Context, topic string, messages, bytes uint64) (int64, error) {
	res := r.db.WithContext(ctx).Model(&RoomStats{}).Where("topic = ?", topic).Updates(map[string]any{
		"messages":   gorm.Expr("messages + ?", messages),
		"bytes":      gorm.Expr("bytes + ?", bytes),
		"updated_at": time.Now(),
	})
	return res.RowsAffected, res.Error
}

// Record 累加计数；topic 第一次出现时插入，并发插入撞主键时退回到累加
func (r *gormRegistry) Record(ctx context.Context, topic string, messages, bytes uint64) error {
	n, err := r.increment(ctx, topic, messages, bytes)
	if err != nil {
		return errors.Annotatef(err, "record %s", topic)
	}
	if n > 0 {
		return nil
	}
	err = r.db.WithContext(ctx).Create(&RoomStats{Topic: topic, Messages: messages, Bytes: bytes}).Error
	if isDuplicateKey(err) {
		_, err = r.increment(ctx, topic, messages, bytes)
	}
	return errors.Annotatef(err, "record %s", topic)
}

func (r *gormRegistry) List(ctx context.Context) ([]RoomStats, error) {
	var rooms []RoomStats
	err := r.db.WithContext(ctx).Order("updated_at desc").Find(&rooms).Error
	return rooms, errors.Trace(err)
}

func (r *gormRegistry) Get(ctx context.Context, topic string) (*RoomStats, error) {
	var stats RoomStats
	err := r.db.WithContext(ctx).Where("topic = ?", topic).First(&stats).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFoundf("room %q", topic)
		}
		return nil, errors.Trace(err)
	}
	return &stats, nil
}
