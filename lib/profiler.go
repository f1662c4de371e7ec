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
	"net/http"
	// for pprof have blank import for their init()
	_ "net/http/pprof"

	"github.com/rdcourier/fleet/utility/logger"
)

// CheckEnableProfiling check if "enable_profile" is true in config and enables the profiling:
// the pprof stats are served over http on profile_http_port: <hostname>:6060/debug/pprof/
func CheckEnableProfiling() {
	cfg := GetConfig()
	if cfg == nil || !cfg.EnableProfile {
		return
	}
	go func() {
		err := http.ListenAndServe(":"+cfg.ProfileHTTPPort, nil)
		if (err != nil) && logger.GetLogger().V(logger.Info) {
			logger.GetLogger().Log(logger.Info, "Cannot Listen on ", cfg.ProfileHTTPPort)
		}
	}()
}
