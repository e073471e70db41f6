// Package stream wires the hierarchy core to the Kafka change topics: one
// consumer per hierarchy on the inventory topic, a publisher fanning
// committed mutations out downstream, and a lifecycle consumer driving the
// supervisor.
package stream

import (
	"context"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/oauth"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
	"github.com/invory/hierarchies/pkg/configuration"
)

// ClientOptions assembles the kgo options shared by every client: seed
// brokers and, on secured clusters, OAUTHBEARER tokens minted from keycloak
// client credentials.
func ClientOptions(kafka configuration.KafkaOptions, keycloak configuration.KeycloakOptions, extra ...kgo.Opt) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(kafka.Brokers()...),
	}
	if kafka.Secured {
		cc := &clientcredentials.Config{
			TokenURL:     keycloak.TokenURL,
			ClientID:     keycloak.ClientID,
			ClientSecret: keycloak.ClientSecret,
		}
		opts = append(opts, kgo.SASL(oauth.Oauth(func(ctx context.Context) (oauth.Auth, error) {
			token, err := cc.Token(ctx)
			if err != nil {
				return oauth.Auth{}, fmt.Errorf("keycloak token: %w", err)
			}
			return oauth.Auth{Token: token.AccessToken}, nil
		})))
	}
	return append(opts, extra...)
}

// GroupID derives the per-hierarchy consumer group, giving each hierarchy
// its own offset cursor.
func GroupID(base string, hierarchyID int64) string {
	return fmt.Sprintf("%s_%d", base, hierarchyID)
}

// ParseKey splits a message key "<Class>:<kind>". ok is false for keys to
// acknowledge and skip.
func ParseKey(key []byte) (domain.Class, domain.Kind, bool) {
	if len(key) == 0 {
		return "", "", false
	}
	head, tail, found := strings.Cut(string(key), ":")
	if !found {
		return "", "", false
	}
	class := domain.Class(head)
	kind := domain.Kind(tail)
	if _, known := domain.InventoryClasses[class]; !known {
		return "", "", false
	}
	if !domain.ValidKind(kind) {
		return "", "", false
	}
	return class, kind, true
}

// EventKey renders the downstream message key for an entity class and kind.
func EventKey(class domain.Class, kind domain.Kind) []byte {
	return []byte(string(class) + ":" + string(kind))
}
