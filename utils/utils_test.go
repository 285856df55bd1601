/* -*- coding: utf-8 -*-
* ------------------------------------------------------------------------------
*
*   Copyright 2018-2019 Fetch.AI Limited
*
*   Licensed under the Apache License, Version 2.0 (the "License");
*   you may not use this file except in compliance with the License.
*   You may obtain a copy of the License at
*
*       http://www.apache.org/licenses/LICENSE-2.0
*
*   Unless required by applicable law or agreed to in writing, software
*   distributed under the License is distributed on an "AS IS" BASIS,
*   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
*   See the License for the specific language governing permissions and
*   limitations under the License.
*
* ------------------------------------------------------------------------------
 */

package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPeersAddrInfo(t *testing.T) {
	pinfos, err := GetPeersAddrInfo([]string{
		"/dns4/bootstrap.libp2p.io/tcp/443/wss/p2p/QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN",
	})
	require.NoError(t, err)
	require.Len(t, pinfos, 1)
	assert.NotEmpty(t, pinfos[0].ID)
	assert.NotEmpty(t, pinfos[0].Addrs)
}

func TestGetPeersAddrInfoRejectsMalformed(t *testing.T) {
	_, err := GetPeersAddrInfo([]string{"not-a-multiaddr"})
	assert.Error(t, err)

	// A multiaddr without a /p2p component is not a dialable peer record.
	_, err = GetPeersAddrInfo([]string{"/ip4/127.0.0.1/tcp/4001"})
	assert.Error(t, err)
}
