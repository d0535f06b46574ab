package model

import (
	"database/sql"
	"time"

	geom "github.com/peterstace/simplefeatures/geom"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&Session{},
	&Anchor{},
	&ObjectState{},
	&SyncPass{},
	&Performance{},
}

////////////////////////
// SESSION MODELS
////////////////////////

// Session is one client session against a world state server
type Session struct {
	gorm.Model
	UserID    string       `json:"userId" gorm:"size:64;index:idx_session_user_id"`
	Server    string       `json:"server" gorm:"size:255"`
	StartTime time.Time    `json:"startTime" gorm:"index:idx_session_start"`
	EndTime   sql.NullTime `json:"endTime"`
	Latitude  float64      `json:"latitude" gorm:"-"`
	Longitude float64      `json:"longitude" gorm:"-"`
	Location  geom.Point   `json:"location"` // EPSG:3857
}

func (*Session) TableName() string {
	return "sessions"
}

// Anchor is the confirmed shared anchor of a session
type Anchor struct {
	ID                  uint       `json:"id" gorm:"primarykey;autoIncrement;"`
	Time                time.Time  `json:"time"`
	SessionID           uint       `json:"sessionId" gorm:"index:idx_anchor_session_id"`
	Session             Session    `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignkey:SessionID;"`
	Position            geom.Point `json:"position"`            // local world space, XYZ
	Rotation            float64    `json:"rotation"`            // degrees about the vertical axis
	RemoteHeadingOffset float64    `json:"remoteHeadingOffset"` // device heading minus server reference heading
}

func (*Anchor) TableName() string {
	return "anchors"
}

// ObjectState is one confirmed position of a synchronized object
type ObjectState struct {
	ID           uint       `json:"id" gorm:"primarykey;autoIncrement;"`
	Time         time.Time  `json:"time"`
	SessionID    uint       `json:"sessionId" gorm:"index:idx_objectstate_session_id"`
	Session      Session    `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignkey:SessionID;"`
	Handle       uint64     `json:"handle" gorm:"index:idx_objectstate_handle"`
	ServerID     string     `json:"serverId" gorm:"size:64;index:idx_objectstate_server_id"`
	Position     geom.Point `json:"position"` // local world space, XYZ
	OwnedLocally bool       `json:"ownedLocally" gorm:"default:false"`
	State        string     `json:"state" gorm:"size:16"`
}

func (*ObjectState) TableName() string {
	return "object_states"
}

// SyncPass is one applied reconciliation pass
type SyncPass struct {
	ID         uint           `json:"id" gorm:"primarykey;autoIncrement;"`
	Time       time.Time      `json:"time" gorm:"index:idx_syncpass_time"`
	SessionID  uint           `json:"sessionId" gorm:"index:idx_syncpass_session_id"`
	Session    Session        `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignkey:SessionID;"`
	Objects    int            `json:"objects"`
	Created    int            `json:"created"`
	Updated    int            `json:"updated"`
	DurationMs float32        `json:"durationMs"`
	Snapshot   datatypes.JSON `json:"snapshot"` // server sync body
}

func (*SyncPass) TableName() string {
	return "sync_passes"
}

// Performance is a periodic sample of client health written by the status monitor
type Performance struct {
	Time            time.Time `json:"time" gorm:"index:idx_performance_time"`
	SessionID       uint      `json:"sessionId" gorm:"index:idx_performance_session_id"`
	Session         Session   `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignkey:SessionID;"`
	AnchorConfirmed bool      `json:"anchorConfirmed"`
	Objects         int64     `json:"objects"`
	InFlight        int64     `json:"inFlight"`
	Pulls           int64     `json:"pulls"`
	PullFailures    int64     `json:"pullFailures"`
	Pushes          int64     `json:"pushes"`
	PushFailures    int64     `json:"pushFailures"`
}

func (*Performance) TableName() string {
	return "performances"
}
