package keyedstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// MemoryStore mirrors the DynamoDB semantics in process: same schema, same
// attribute marshalling, same version compare-and-set. It backs tests and
// the smoke tool; nothing in it is producty.
type MemoryStore struct {
	mu     sync.RWMutex
	schema Schema
	tables map[string]map[string][]map[string]types.AttributeValue
}

func NewMemoryStore(schema Schema) *MemoryStore {
	return &MemoryStore{
		schema: schema,
		tables: make(map[string]map[string][]map[string]types.AttributeValue),
	}
}

func (s *MemoryStore) Get(_ context.Context, table string, key Key, _ ConsistencyLevel, out any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, err := s.spec(table)
	if err != nil {
		return err
	}
	rows := s.tables[table][key.Partition]
	for _, item := range rows {
		if spec.SortKey == "" || stringAttr(item, spec.SortKey) == key.Sort {
			return attributevalue.UnmarshalMap(item, out)
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Query(_ context.Context, table, partition string, opts QueryOptions, _ ConsistencyLevel, out any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.spec(table); err != nil {
		return err
	}
	rows := s.tables[table][partition]
	selected := make([]map[string]types.AttributeValue, len(rows))
	copy(selected, rows)
	if opts.Descending {
		for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
			selected[i], selected[j] = selected[j], selected[i]
		}
	}
	if opts.Limit > 0 && int(opts.Limit) < len(selected) {
		selected = selected[:opts.Limit]
	}
	return attributevalue.UnmarshalListOfMaps(selected, out)
}

func (s *MemoryStore) QueryIndex(_ context.Context, table, _ string, attr, value string, opts QueryOptions, out any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.spec(table); err != nil {
		return err
	}
	var selected []map[string]types.AttributeValue
	for _, partition := range sortedPartitions(s.tables[table]) {
		for _, item := range s.tables[table][partition] {
			if stringAttr(item, attr) == value {
				selected = append(selected, item)
			}
		}
	}
	if opts.Limit > 0 && int(opts.Limit) < len(selected) {
		selected = selected[:opts.Limit]
	}
	return attributevalue.UnmarshalListOfMaps(selected, out)
}

func (s *MemoryStore) Scan(_ context.Context, table string, out any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.spec(table); err != nil {
		return err
	}
	var selected []map[string]types.AttributeValue
	for _, partition := range sortedPartitions(s.tables[table]) {
		selected = append(selected, s.tables[table][partition]...)
	}
	return attributevalue.UnmarshalListOfMaps(selected, out)
}

func (s *MemoryStore) Put(_ context.Context, table string, item any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(table, item)
}

func (s *MemoryStore) ConditionalPut(_ context.Context, table string, item any, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, err := s.spec(table)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal %s row: %w", table, err)
	}
	pk, sk, err := itemKey(spec, av)
	if err != nil {
		return err
	}
	existing := s.findLocked(spec, table, pk, sk)
	if expectedVersion == 0 {
		if existing != nil {
			return ErrVersionConflict
		}
	} else if existing == nil || rowVersion(existing) != expectedVersion {
		return ErrVersionConflict
	}
	return s.putLocked(table, item)
}

func (s *MemoryStore) Delete(_ context.Context, table string, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, err := s.spec(table)
	if err != nil {
		return err
	}
	rows := s.tables[table][key.Partition]
	for i, item := range rows {
		if spec.SortKey == "" || stringAttr(item, spec.SortKey) == key.Sort {
			s.tables[table][key.Partition] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) putLocked(table string, item any) error {
	spec, err := s.spec(table)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal %s row: %w", table, err)
	}
	pk, sk, err := itemKey(spec, av)
	if err != nil {
		return err
	}
	if s.tables[table] == nil {
		s.tables[table] = make(map[string][]map[string]types.AttributeValue)
	}
	rows := s.tables[table][pk]
	replaced := false
	for i, existing := range rows {
		if spec.SortKey == "" || stringAttr(existing, spec.SortKey) == sk {
			rows[i] = av
			replaced = true
			break
		}
	}
	if !replaced {
		rows = append(rows, av)
	}
	if spec.SortKey != "" {
		sort.Slice(rows, func(i, j int) bool {
			return stringAttr(rows[i], spec.SortKey) < stringAttr(rows[j], spec.SortKey)
		})
	}
	s.tables[table][pk] = rows
	return nil
}

func (s *MemoryStore) findLocked(spec TableSpec, table, pk, sk string) map[string]types.AttributeValue {
	for _, item := range s.tables[table][pk] {
		if spec.SortKey == "" || stringAttr(item, spec.SortKey) == sk {
			return item
		}
	}
	return nil
}

func (s *MemoryStore) spec(table string) (TableSpec, error) {
	spec, ok := s.schema[table]
	if !ok {
		return TableSpec{}, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return spec, nil
}

func itemKey(spec TableSpec, item map[string]types.AttributeValue) (pk, sk string, err error) {
	pk = stringAttr(item, spec.PartitionKey)
	if pk == "" {
		return "", "", fmt.Errorf("item missing partition key %s", spec.PartitionKey)
	}
	if spec.SortKey != "" {
		sk = stringAttr(item, spec.SortKey)
		if sk == "" {
			return "", "", fmt.Errorf("item missing sort key %s", spec.SortKey)
		}
	}
	return pk, sk, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func rowVersion(item map[string]types.AttributeValue) int64 {
	v, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func sortedPartitions(partitions map[string][]map[string]types.AttributeValue) []string {
	keys := make([]string, 0, len(partitions))
	for k := range partitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
