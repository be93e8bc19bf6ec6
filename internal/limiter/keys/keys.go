// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package keys builds and parses every primary and secondary key in the
// single-table layout, and names every attribute. '#' is the only reserved
// separator; name validation upstream guarantees it never occurs inside a
// user-supplied identifier, which is what makes ParseBucketPK unambiguous.
package keys

import (
	"fmt"
	"strconv"
	"strings"
)

// Reserved namespace holding the namespace registry itself.
const RegistryNamespace = "_"

// DefaultResource is the sentinel resource under which an entity's
// resource-independent default limits are stored.
const DefaultResource = "_default_"

// Attribute names shared by every item.
const (
	AttrPK = "PK"
	AttrSK = "SK"

	AttrGSI1PK = "GSI1PK"
	AttrGSI2PK = "GSI2PK"
	AttrGSI2SK = "GSI2SK"
	AttrGSI3PK = "GSI3PK"
	AttrGSI3SK = "GSI3SK"
	AttrGSI4PK = "GSI4PK"
	AttrGSI4SK = "GSI4SK"

	AttrTTL = "expires_at"
)

// Index names.
const (
	GSI1 = "GSI1" // parent -> children
	GSI2 = "GSI2" // resource aggregation (usage, buckets by resource)
	GSI3 = "GSI3" // entity -> bucket shards
	GSI4 = "GSI4" // namespace -> every item (purge walk)
)

// Bucket and config item attributes.
const (
	AttrRefillTS      = "rf"
	AttrShardCount    = "shard_count"
	AttrCascade       = "cascade"
	AttrParentID      = "parent_id"
	AttrConfigVersion = "config_version"
	AttrCreatedAt     = "created_at"
	AttrEntityID      = "entity_id"
)

// Per-limit attribute field suffixes under the b_{name}_ prefix.
const (
	FieldTokens       = "tk"
	FieldCapacity     = "cp"
	FieldBurst        = "bx"
	FieldRefillAmount = "ra"
	FieldRefillPeriod = "rp"
	FieldConsumed     = "tc"
)

const limitAttrPrefix = "b_"

// LimitAttr returns the item attribute holding one field of one limit,
// e.g. LimitAttr("rpm", FieldTokens) == "b_rpm_tk".
func LimitAttr(limitName, field string) string {
	return limitAttrPrefix + limitName + "_" + field
}

// SplitLimitAttr inverts LimitAttr. ok is false for attributes outside the
// b_{name}_{field} family.
func SplitLimitAttr(attr string) (limitName, field string, ok bool) {
	if !strings.HasPrefix(attr, limitAttrPrefix) {
		return "", "", false
	}
	rest := attr[len(limitAttrPrefix):]
	i := strings.LastIndexByte(rest, '_')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// Sort keys.
const (
	SKMeta    = "#META"
	SKState   = "#STATE"
	SKConfig  = "#CONFIG"
	SKVersion = "#VERSION"
)

// EntityPK is the partition key of an entity's metadata and config items.
func EntityPK(ns, entityID string) string {
	return ns + "/ENTITY#" + entityID
}

// BucketPK addresses one shard of one (entity, resource).
func BucketPK(ns, entityID, resource string, shard int) string {
	return fmt.Sprintf("%s/BUCKET#%s#%s#%d", ns, entityID, resource, shard)
}

// SystemPK holds the namespace's system config and version record.
func SystemPK(ns string) string {
	return ns + "/SYSTEM#"
}

// ResourcePK holds a resource-level config item.
func ResourcePK(ns, resource string) string {
	return ns + "/RESOURCE#" + resource
}

// EntityConfigSK is the sort key of an entity's per-resource config.
// The sentinel DefaultResource selects the entity-level default.
func EntityConfigSK(resource string) string {
	return SKConfig + "#" + resource
}

// UsageSK addresses one usage snapshot window.
func UsageSK(resource, windowKey string) string {
	return "#USAGE#" + resource + "#" + windowKey
}

// NamespaceForwardSK maps a human name to its namespace record under the
// registry namespace.
func NamespaceForwardSK(name string) string {
	return "#NAMESPACE#" + name
}

// NamespaceReverseSK maps an opaque namespace id back to its record.
func NamespaceReverseSK(id string) string {
	return "#NSID#" + id
}

// GSI1ParentPK projects entities under their parent for child enumeration.
func GSI1ParentPK(ns, parentID string) string {
	return ns + "/PARENT#" + parentID
}

// GSI2ResourcePK groups buckets and usage snapshots by resource.
func GSI2ResourcePK(ns, resource string) string {
	return ns + "/RESOURCE#" + resource
}

// GSI3EntityPK groups bucket shards by entity for discovery.
func GSI3EntityPK(ns, entityID string) string {
	return ns + "/ENTITY#" + entityID
}

// GSI3BucketSK orders an entity's bucket shards by resource then shard.
func GSI3BucketSK(resource string, shard int) string {
	return fmt.Sprintf("#BUCKET#%s#%d", resource, shard)
}

// GSI4NamespacePK projects every item in a namespace for the purge walk.
func GSI4NamespacePK(ns string) string {
	return ns
}

const bucketMarker = "/BUCKET#"

// IsBucketPK reports whether pk addresses a bucket shard in any namespace.
func IsBucketPK(pk string) bool {
	return strings.Contains(pk, bucketMarker)
}

// ParseBucketPK inverts BucketPK. The shard is split off the end as the
// final "#<integer>", then the remainder splits on the first '#' into entity
// and resource; this parse is unique because '#' is forbidden in identifiers
// while '/' and '.' are legal in resources.
func ParseBucketPK(pk string) (ns, entityID, resource string, shard int, err error) {
	i := strings.Index(pk, bucketMarker)
	if i < 0 {
		return "", "", "", 0, fmt.Errorf("not a bucket key: %q", pk)
	}
	ns = pk[:i]
	rest := pk[i+len(bucketMarker):]

	j := strings.LastIndexByte(rest, '#')
	if j < 0 {
		return "", "", "", 0, fmt.Errorf("bucket key %q missing shard suffix", pk)
	}
	shard, err = strconv.Atoi(rest[j+1:])
	if err != nil || shard < 0 {
		return "", "", "", 0, fmt.Errorf("bucket key %q has non-integer shard %q", pk, rest[j+1:])
	}
	rest = rest[:j]

	k := strings.IndexByte(rest, '#')
	if k <= 0 || k == len(rest)-1 {
		return "", "", "", 0, fmt.Errorf("bucket key %q missing entity#resource", pk)
	}
	return ns, rest[:k], rest[k+1:], shard, nil
}
