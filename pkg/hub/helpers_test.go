// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package hub_test

import (
	"context"

	"github.com/graphql-go/graphql"
	"github.com/vmihailenco/msgpack/v5"
)

func msgpackMarshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func msgpackUnmarshal(data []byte, out interface{}) error {
	return msgpack.Unmarshal(data, out)
}

func gqlDo(schema graphql.Schema, query string) *graphql.Result {
	return graphql.Do(graphql.Params{Schema: schema, Context: context.Background(), RequestString: query})
}
