// Copyright 2015 Prometheus Team
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpcrequests

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// connectionPool caches one *http.Client per (target, timeout) pair,
// mirroring prometheus/alertmanager/cluster/connection_pool.go's
// borrowConnection/shutdown shape for the request dispatcher's proxy
// calls to remote peers (spec §4.7: "the proxy handle must remain
// referenced for the duration of a call").
type connectionPool struct {
	mtx     sync.Mutex
	clients map[string]*http.Client
}

func newConnectionPool() *connectionPool {
	return &connectionPool{clients: make(map[string]*http.Client)}
}

func (p *connectionPool) borrow(target string, timeout time.Duration) *http.Client {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	key := fmt.Sprintf("%s/%d", target, int64(timeout))
	if c, ok := p.clients[key]; ok {
		return c
	}
	c := &http.Client{Timeout: timeout}
	p.clients[key] = c
	return c
}

func (p *connectionPool) shutdown() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for k, c := range p.clients {
		c.CloseIdleConnections()
		delete(p.clients, k)
	}
}
