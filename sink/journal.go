// Copyright 2019 PayPal Inc.
//
// Licensed to the Apache Software Foundation (ASF) under one or more
// contributor license agreements.  See the NOTICE file distributed with
// this work for additional information regarding copyright ownership.
// The ASF licenses this file to You under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance with
// the License.  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sink

import (
	"time"

	"gorm.io/gorm"

	"github.com/rdcourier/fleet/common"
)

// ResultRecord is one journaled result
type ResultRecord struct {
	ID          uint      `json:"-" gorm:"primaryKey"`
	CourierID   int32     `json:"courier_id" gorm:"index"`
	Host        string    `json:"host"`
	Config      string    `json:"config"`
	ResultID    int64     `json:"result_id"`
	Pipe        string    `json:"pipe" gorm:"index"`
	RecordCount int32     `json:"record_count"`
	ErrorCount  int32     `json:"error_count"`
	Error       string    `json:"error,omitempty"`
	StartTime   int64     `json:"start_time"`
	TotalTime   int64     `json:"total_time"`
	SourceTime  int64     `json:"source_time"`
	TargetTime  int64     `json:"target_time"`
	SourceDb    string    `json:"source_db"`
	TargetDb    string    `json:"target_db"`
	ReceivedAt  time.Time `json:"received_at" gorm:"index"`
}

// NewResultRecord converts a result received from a courier
func NewResultRecord(courierID int32, host, config string, r *common.ProcessResult, received time.Time) ResultRecord {
	return ResultRecord{
		CourierID:   courierID,
		Host:        host,
		Config:      config,
		ResultID:    r.ID,
		Pipe:        r.Pipe,
		RecordCount: r.RecordCount,
		ErrorCount:  r.ErrorCount,
		Error:       r.Error,
		StartTime:   r.StartTime,
		TotalTime:   r.TotalTime,
		SourceTime:  r.SourceTime,
		TargetTime:  r.TargetTime,
		SourceDb:    r.SourceDbName,
		TargetDb:    r.TargetDbName,
		ReceivedAt:  received,
	}
}

// Journal keeps the received results in a local sqlite database
type Journal struct {
	db *gorm.DB
}

// OpenJournal opens, creating it when needed, the journal at path
func OpenJournal(path string) (*Journal, error) {
	db, err := openGorm(path)
	if err != nil {
		return nil, err
	}
	if err = db.AutoMigrate(&ResultRecord{}); err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Append stores the records in one transaction
func (j *Journal) Append(records []ResultRecord) error {
	if len(records) == 0 {
		return nil
	}
	return j.db.CreateInBatches(records, 100).Error
}

// Recent returns the latest records, newest first. An empty pipe matches all of them.
func (j *Journal) Recent(limit int, pipe string) ([]ResultRecord, error) {
	var records []ResultRecord
	q := j.db.Order("id desc").Limit(limit)
	if pipe != "" {
		q = q.Where("pipe = ?", pipe)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// Count returns the number of journaled records
func (j *Journal) Count() (int64, error) {
	var n int64
	err := j.db.Model(&ResultRecord{}).Count(&n).Error
	return n, err
}

// Close closes the database
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
