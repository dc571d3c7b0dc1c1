// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

// Package query builds the read-only GraphQL root the hub exposes over its
// operational stats store (§4.7), the same graphql.ObjectConfig shape as
// the teacher's own pkg/gql/query root, pointed at service stats instead
// of blockchain data. This is strictly a read surface: it never touches
// the message plane and cannot originate or observe bus traffic.
package query

import (
	"fmt"

	"github.com/graphql-go/graphql"

	"github.com/caro-platform/caro-bus-go/pkg/hub"
)

// StatsSource is the subset of *hub.Registry the introspection root reads.
// Kept as an interface so the root depends on these two methods only;
// Stats still returns the concrete storm-backed store.
type StatsSource interface {
	Names() []string
	Stats() *hub.StatsStore
}

var serviceType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Service",
	Fields: graphql.Fields{
		"name": &graphql.Field{Type: graphql.String},
		"firstSeen": &graphql.Field{
			Type: graphql.String,
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				stats, ok := p.Source.(hub.ServiceStats)
				if !ok {
					return nil, fmt.Errorf("introspect: unexpected source type")
				}

				return stats.FirstSeen.Format("2006-01-02T15:04:05Z07:00"), nil
			},
		},
		"lastSeen": &graphql.Field{
			Type: graphql.String,
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				stats, ok := p.Source.(hub.ServiceStats)
				if !ok {
					return nil, fmt.Errorf("introspect: unexpected source type")
				}

				return stats.LastSeen.Format("2006-01-02T15:04:05Z07:00"), nil
			},
		},
		"connectionCount": &graphql.Field{Type: graphql.Int},
		"currentConnections": &graphql.Field{
			Type: graphql.Int,
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				stats, ok := p.Source.(hub.ServiceStats)
				if !ok {
					return nil, fmt.Errorf("introspect: unexpected source type")
				}

				return stats.CurrentConnection, nil
			},
		},
	},
})

// NewRoot builds the "services"/"service(name)" query root over source.
func NewRoot(source StatsSource) *graphql.Object {
	return graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"services": &graphql.Field{
				Type: graphql.NewList(serviceType),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					all, err := source.Stats().All()
					if err != nil {
						return nil, fmt.Errorf("introspect: list services: %w", err)
					}

					return all, nil
				},
			},
			"service": &graphql.Field{
				Type: serviceType,
				Args: graphql.FieldConfigArgument{
					"name": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					name, _ := p.Args["name"].(string)

					stats, err := source.Stats().Get(name)
					if err != nil {
						return nil, fmt.Errorf("introspect: service %q: %w", name, err)
					}

					return stats, nil
				},
			},
		},
	})
}

// NewSchema wraps NewRoot's query object in a ready-to-execute schema.
func NewSchema(source StatsSource) (graphql.Schema, error) {
	return graphql.NewSchema(graphql.SchemaConfig{Query: NewRoot(source)})
}
