package registry

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbaxter/depot/internal/models"
)

// exportRecord is the YAML shape of one exported connection. Only public
// metadata: secret bundles never leave the encrypted store this way.
type exportRecord struct {
	ID              string    `yaml:"id"`
	Name            string    `yaml:"name"`
	URL             string    `yaml:"url"`
	AuthType        string    `yaml:"auth_type"`
	LastConnectedAt time.Time `yaml:"last_connected_at,omitempty"`
}

type exportDoc struct {
	Connections []exportRecord `yaml:"connections"`
}

// ExportConnections writes the public metadata of every stored
// connection as YAML.
func (r *Registry) ExportConnections(w io.Writer) error {
	conns, err := r.LoadConnections()
	if err != nil {
		return err
	}

	doc := exportDoc{Connections: make([]exportRecord, 0, len(conns))}

	for _, conn := range conns {
		doc.Connections = append(doc.Connections, exportRecord{
			ID:              conn.ID,
			Name:            conn.Name,
			URL:             conn.URL,
			AuthType:        string(conn.AuthType),
			LastConnectedAt: conn.LastConnectedAt,
		})
	}

	enc := yaml.NewEncoder(w)
	defer enc.Close()

	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding connections: %w", err)
	}

	return nil
}

// ImportConnections reads a YAML document produced by ExportConnections
// and creates the records as public-metadata-only connections. Their
// secrets must be re-entered before use; until then loading them reports
// the missing-secret state. Returns the number of imported records.
func (r *Registry) ImportConnections(rd io.Reader) (int, error) {
	var doc exportDoc
	if err := yaml.NewDecoder(rd).Decode(&doc); err != nil {
		return 0, fmt.Errorf("decoding connections: %w", err)
	}

	imported := 0

	for i, rec := range doc.Connections {
		conn := models.Connection{
			ID:              rec.ID,
			Name:            rec.Name,
			URL:             rec.URL,
			AuthType:        models.AuthType(rec.AuthType),
			LastConnectedAt: rec.LastConnectedAt,
		}

		if conn.Name == "" || conn.URL == "" {
			return imported, fmt.Errorf("record %d: name and url are required", i+1)
		}

		if _, err := r.store.PutPublic(conn); err != nil {
			return imported, fmt.Errorf("record %d: %w", i+1, err)
		}

		imported++
	}

	return imported, nil
}
