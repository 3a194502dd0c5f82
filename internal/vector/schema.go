package vector

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"
)

const ClassName = "DocumentChunk"

// SchemaClient defines the interface for Weaviate schema operations
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

func chunkProperties() []*models.Property {
	return []*models.Property{
		{Name: "content", DataType: []string{"text"}},
		// ids are matched exactly
		{Name: "documentId", DataType: []string{"string"}},
		{Name: "accountId", DataType: []string{"string"}},
		{Name: "opportunityId", DataType: []string{"string"}},
		{Name: "sourceType", DataType: []string{"string"}},
		{Name: "jobId", DataType: []string{"string"}},
		{Name: "chunkIndex", DataType: []string{"int"}},
		{Name: "tokens", DataType: []string{"int"}},
		{Name: "metadata", DataType: []string{"text"}},
		{Name: "createdAt", DataType: []string{"date"}},
	}
}

// EnsureSchema creates the chunk class with cosine distance, or adds any
// properties missing from an existing class.
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	exists, err := client.ClassExists(ctx, ClassName)
	if err != nil {
		return err
	}

	properties := chunkProperties()

	if !exists {
		class := &models.Class{
			Class:             ClassName,
			Description:       "An embedded chunk of a document or free text",
			Vectorizer:        "none",
			VectorIndexConfig: map[string]interface{}{"distance": "cosine"},
			Properties:        properties,
		}
		return client.CreateClass(ctx, class)
	}

	class, err := client.GetClass(ctx, ClassName)
	if err != nil {
		return err
	}

	existingProps := make(map[string]bool)
	for _, p := range class.Properties {
		existingProps[p.Name] = true
	}

	for _, p := range properties {
		if !existingProps[p.Name] {
			if err := client.AddProperty(ctx, ClassName, p); err != nil {
				return err
			}
		}
	}

	return nil
}
