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
package lib

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/rdcourier/fleet/utility/logger"
)

// getInt extract an int from a string of number separated by spaces, pos says which field to extract
func getInt(data []byte, pos int) (int64, []byte, error) {
	ln := len(data)
	i := 0
	cnt := 1
	var ret int64
	found := false
	for i < ln {
		if cnt == pos {
			if data[i] >= '0' && data[i] <= '9' {
				ret = ret*10 + int64(data[i]-'0')
				found = true
			} else {
				break
			}
		} else {
			if data[i] == ' ' {
				cnt++
			}
		}
		i++
	}
	if found {
		if i < ln {
			i++
		}
		return ret, data[i:], nil
	}
	return -1, data, errors.New("field not found")
}

// procStats reads utime, stime, threads, vss and rss from a /proc/<pid>/stat content
func procStats(data []byte) (map[string]int64, error) {
	stats := make(map[string]int64)
	// pos is the distance from the previous field. times are in clock ticks, rss in 4k pages.
	fields := []struct {
		name     string
		pos      int
		mul, div int64
	}{
		{"utime", 14, 1, 100},
		{"stime", 1, 1, 100},
		{"threads", 5, 1, 1},
		{"vss", 3, 1, 1},
		{"rss", 1, 4, 1},
	}
	for _, f := range fields {
		var val int64
		var err error
		val, data, err = getInt(data, f.pos)
		if err != nil {
			return stats, fmt.Errorf("%s: %w", f.name, err)
		}
		stats[f.name] = val * f.mul / f.div
	}
	return stats, nil
}

// GoStats logs every interval the number of goroutines and the process stats from /proc/<pid>/stat,
// until ctx is done
func GoStats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	if logger.GetLogger().V(logger.Verbose) {
		logger.GetLogger().Log(logger.Verbose, "GoStats every", interval)
	}
	procfile := fmt.Sprintf("/proc/%d/stat", os.Getpid())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if !logger.GetLogger().V(logger.Info) {
				continue
			}
			goroutines := runtime.NumGoroutine()
			data, err := os.ReadFile(procfile)
			if err != nil {
				logger.GetLogger().Log(logger.Info, "GO stat goroutines", goroutines)
				continue
			}
			stats, err := procStats(data)
			if err != nil {
				logger.GetLogger().Log(logger.Info, "GO stat goroutines", goroutines, "partial", stats)
				continue
			}
			logger.GetLogger().Log(logger.Info, "GO stat goroutines", goroutines, "utime", stats["utime"],
				"stime", stats["stime"], "threads", stats["threads"], "vss", stats["vss"], "rss", stats["rss"])
		}
	}()
}
