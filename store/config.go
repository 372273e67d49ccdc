package store

// Config holds configuration for the Store.
type Config struct {
	// Tables maps record types to DynamoDB table names.
	// Types not listed use the type name as the table name.
	Tables map[string]string

	// IndexNames maps foreign key attributes to the GSI partitioned on them.
	// Foreign keys not listed use "<foreign key>-index".
	IndexNames map[string]string

	// IDAttr is the partition key attribute of every table.
	// Default: "id"
	IDAttr string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Tables:     map[string]string{},
		IndexNames: map[string]string{},
		IDAttr:     "id",
	}
}

// validate fills in defaults for unset values.
func (c *Config) validate() {
	if c.Tables == nil {
		c.Tables = map[string]string{}
	}
	if c.IndexNames == nil {
		c.IndexNames = map[string]string{}
	}
	if c.IDAttr == "" {
		c.IDAttr = "id"
	}
}

// TableName returns the table holding records of recordType.
func (c Config) TableName(recordType string) string {
	if t, ok := c.Tables[recordType]; ok && t != "" {
		return t
	}
	return recordType
}

// IndexName returns the GSI partitioned on foreignKey.
func (c Config) IndexName(foreignKey string) string {
	if idx, ok := c.IndexNames[foreignKey]; ok && idx != "" {
		return idx
	}
	return foreignKey + "-index"
}
