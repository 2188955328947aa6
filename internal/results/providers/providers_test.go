package providers

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClassify verifies field precedence and the unclassified fallback.
func TestClassify(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name     string
		ev       Evidence
		wantType string
		wantCat  string
		field    string
	}{
		{"title names the service", Evidence{Title: "Key Vault allows public network access"}, "Key Vault", "secrets", "title"},
		{"title beats evidence", Evidence{Title: "Storage account allows anonymous blob reads", Evidence: "main.tf references azurerm_mssql_server"}, "Storage Account", "storage", "title"},
		{"evidence when title is generic", Evidence{Title: "Public network access enabled", Evidence: "azurerm_postgresql_flexible_server.main"}, "PostgreSQL", "database", "evidence"},
		{"resource type as last resort", Evidence{Title: "Diagnostics disabled", ResourceType: "azurerm_kubernetes_cluster"}, "Kubernetes Cluster", "compute", "resource_type"},
		{"whole words only", Evidence{Title: "Overly broad CORS policy on vmware endpoint"}, Unclassified, OtherCategory, ""},
		{"nothing to go on", Evidence{}, Unclassified, OtherCategory, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.ev)
			assert.Equal(t, tt.wantType, got.ResourceType)
			assert.Equal(t, tt.wantCat, got.Category)
			assert.Equal(t, tt.field, got.Field)
		})
	}
}

// TestClassify_Ambiguous checks that competing matches are surfaced.
func TestClassify_Ambiguous(t *testing.T) {
	got := NewClassifier().Classify(Evidence{Title: "SQL Server firewall rule allows 0.0.0.0 through the VNet"})
	assert.Equal(t, "SQL Server", got.ResourceType)
	assert.True(t, got.Ambiguous())
	assert.Equal(t, []string{"Network Security Group", "Virtual Network"}, got.Alternatives)
}

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, "database", CategoryFor("azurerm_mssql_server"))
	assert.Equal(t, "storage", CategoryFor("aws_s3_bucket"))
	assert.Equal(t, "network", CategoryFor("azurerm_virtual_network"))
	assert.Equal(t, OtherCategory, CategoryFor("custom_widget"))
	assert.Equal(t, OtherCategory, CategoryFor(""))
}

// TestClassifier_Add verifies validation and duplicate checks.
func TestClassifier_Add(t *testing.T) {
	c := NewClassifier()

	assert.ErrorIs(t, c.Add(Rule{ResourceType: "Queue", Category: "messaging"}), ErrInvalidInput)
	assert.ErrorIs(t, c.Add(Rule{ResourceType: "Queue", Category: "messaging", Keywords: []string{" -- "}}), ErrInvalidInput)
	assert.ErrorIs(t, c.Add(Rule{ResourceType: "Key Vault", Category: "secrets", Keywords: []string{"vault"}}), ErrAlreadyExists)

	require.NoError(t, c.Add(Rule{ResourceType: "Service Bus", Category: "messaging", Keywords: []string{"service bus"}}))
	got := c.Classify(Evidence{Title: "Service Bus namespace uses shared access keys"})
	assert.Equal(t, "Service Bus", got.ResourceType)

	rules := c.Rules()
	assert.Equal(t, "Service Bus", rules[len(rules)-1].ResourceType)
}

// TestClassifier_LoadFile extends the built-in table from YAML.
func TestClassifier_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extra.yaml")
	content := `
classifications:
  - resource_type: Event Hub
    category: messaging
    keywords: [event hub, eventhub]
  - resource_type: Key Vault
    category: secrets
    keywords: [hsm]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c := NewClassifier()
	require.NoError(t, c.LoadFile(path))

	assert.Equal(t, "Event Hub", c.Classify(Evidence{Title: "EventHub accepts local auth"}).ResourceType)
	assert.Equal(t, "Key Vault", c.Classify(Evidence{Title: "Managed HSM purge protection off"}).ResourceType)

	t.Run("rejects invalid rules", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("classifications:\n  - resource_type: X\n"), 0o600))
		assert.ErrorIs(t, NewClassifier().LoadFile(bad), ErrInvalidInput)
	})

	t.Run("missing file", func(t *testing.T) {
		assert.Error(t, NewClassifier().LoadFile(filepath.Join(t.TempDir(), "nope.yaml")))
	})
}

// TestClassifier_Concurrency verifies that the classifier is safe for
// concurrent readers and writers.
func TestClassifier_Concurrency(t *testing.T) {
	c := NewClassifier()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Classify(Evidence{Title: "S3 bucket is public"})
		}()
		go func() {
			defer wg.Done()
			_ = c.Extend(Rule{ResourceType: "S3 Bucket", Category: "storage", Keywords: []string{"bucket"}})
		}()
	}
	wg.Wait()
	assert.Equal(t, "S3 Bucket", c.Classify(Evidence{Title: "bucket policy allows *"}).ResourceType)
}
