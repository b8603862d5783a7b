package domain

import "time"

// FeatureVector maps feature names to values. Values are int64, float64,
// bool, string, []string or []float64 according to FeatureSchema.
type FeatureVector map[string]any

// Int returns an integer feature, or 0 when absent.
func (fv FeatureVector) Int(name string) int64 {
	v, _ := fv[name].(int64)
	return v
}

// Float returns a numeric feature, or 0 when absent.
func (fv FeatureVector) Float(name string) float64 {
	switch v := fv[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

// Bool returns a boolean feature, or false when absent.
func (fv FeatureVector) Bool(name string) bool {
	v, _ := fv[name].(bool)
	return v
}

// String returns a string feature, or "" when absent.
func (fv FeatureVector) String(name string) string {
	v, _ := fv[name].(string)
	return v
}

// Strings returns a list-of-string feature, or nil when absent.
func (fv FeatureVector) Strings(name string) []string {
	v, _ := fv[name].([]string)
	return v
}

// View bounds what an evaluation may see of the store.
// AsOf is the highest visible sequence number (0 means no bound).
// Horizon is the latest visible timestamp for the linked-chain and forward
// hop scans; window aggregates are always anchored at the transfer itself.
// AlertSeq is the highest visible alert log sequence (0 means the live log).
type View struct {
	AsOf     int64
	Horizon  time.Time
	AlertSeq int64
}

// FeatureKind is the value type of a feature.
type FeatureKind int

const (
	KindInt FeatureKind = iota
	KindDouble
	KindBool
	KindString
	KindStringList
	KindDoubleList
)

// FeatureSpec documents one entry of the closed feature schema.
type FeatureSpec struct {
	Name        string
	Kind        FeatureKind
	Description string
}

// Transfer context features.
const (
	FeatureSender           = "sender"
	FeatureReceiver         = "receiver"
	FeatureAmount           = "amount"
	FeatureDeviceType       = "device_type"
	FeatureCountry          = "country"
	FeatureMerchantCategory = "merchant_category"
	FeaturePaymentMethod    = "payment_method"
	FeatureCustomerID       = "customer_id"
)

// Path features.
const (
	FeaturePath                  = "path"
	FeaturePathTimestamps        = "path_timestamps"
	FeaturePathAmounts           = "path_amounts"
	FeatureNumAccountsInvolved   = "num_accounts_involved"
	FeatureNumLayers             = "num_layers"
	FeatureTotalAmount           = "total_amount"
	FeatureAvgDelayBetweenLayers = "avg_delay_between_layers"
)

// Aliases kept for rule authors familiar with the short names.
const (
	FeatureSenderOutDegree              = "sender_out_degree"
	FeatureReceiverInDegree             = "receiver_in_degree"
	FeatureNumTransactions1h            = "num_transactions_1h"
	FeatureNumUniqueSendersToReceiver1h = "num_unique_senders_to_receiver_1h"
	FeatureReceiverTotal1h              = "receiver_total_1h"
	FeatureCountToSameReceiver7d        = "count_to_same_receiver_7d"
	FeatureTotalToSameReceiver7d        = "total_to_same_receiver_7d"
)

// Diversity and history.
const (
	FeatureNumCountriesInvolved7d = "num_countries_involved_7d"
	FeatureUniqueDeviceCount3d    = "unique_device_count_3d"
	FeaturePreviousSTRs           = "previous_strs"
)

// Hop chain.
const (
	FeatureHopChain   = "hop_chain"
	FeatureHopCount   = "hop_count"
	FeatureIsMultiHop = "is_multi_hop"
)

// Linked chain.
const (
	FeatureIsLinkedChain             = "is_linked_chain"
	FeatureLinkedChainCommonReceiver = "linked_chain_common_receiver"
	FeatureLinkedChainMembers        = "linked_chain_members"
	FeatureLinkedChainSize           = "linked_chain_size"
)

// Constants available to conditions, in seconds.
const (
	ConstOneHour = "one_hour"
	ConstHours48 = "hours_48"
	ConstTwoDays = "two_days"
)

// FeatureWindow is one of the fixed aggregate lookbacks.
type FeatureWindow struct {
	Suffix   string
	Duration time.Duration
}

// FeatureWindows lists the aggregate lookbacks in ascending order.
var FeatureWindows = []FeatureWindow{
	{Suffix: "1h", Duration: time.Hour},
	{Suffix: "24h", Duration: 24 * time.Hour},
	{Suffix: "3d", Duration: 72 * time.Hour},
	{Suffix: "7d", Duration: 7 * 24 * time.Hour},
}

// Per-window feature name prefixes; the window suffix is appended with "_".
const (
	PrefixSenderOutDegree    = "sender_out_degree"
	PrefixSenderTxCount      = "sender_tx_count"
	PrefixTotalOutgoingValue = "total_outgoing_value"
	PrefixReceiverInDegree   = "receiver_in_degree"
	PrefixReceiverTxCount    = "receiver_tx_count"
	PrefixTotalIncomingValue = "total_incoming_value"
)

// WindowFeature names a per-window feature, e.g. WindowFeature("sender_out_degree", "24h").
func WindowFeature(prefix, suffix string) string {
	return prefix + "_" + suffix
}

// ConstantValues are bound into every feature vector.
var ConstantValues = map[string]float64{
	ConstOneHour: 3600,
	ConstHours48: 48 * 3600,
	ConstTwoDays: 2 * 24 * 3600,
}

// FeatureSchema returns the closed, ordered set of names a rule condition may
// reference.
func FeatureSchema() []FeatureSpec {
	specs := []FeatureSpec{
		{FeatureSender, KindString, "sender wallet id"},
		{FeatureReceiver, KindString, "receiver wallet id"},
		{FeatureAmount, KindDouble, "transfer amount"},
		{FeatureDeviceType, KindString, "device type, empty when unknown"},
		{FeatureCountry, KindString, "country, empty when unknown"},
		{FeatureMerchantCategory, KindString, "merchant category, empty when unknown"},
		{FeaturePaymentMethod, KindString, "payment method, empty when unknown"},
		{FeatureCustomerID, KindString, "customer id, empty when unknown"},

		{FeaturePath, KindStringList, "reconstructed funding path, oldest first"},
		{FeaturePathTimestamps, KindDoubleList, "unix seconds of each path hop"},
		{FeaturePathAmounts, KindDoubleList, "amount of each path hop"},
		{FeatureNumAccountsInvolved, KindInt, "distinct accounts on the path"},
		{FeatureNumLayers, KindInt, "path length minus one"},
		{FeatureTotalAmount, KindDouble, "sum of path amounts"},
		{FeatureAvgDelayBetweenLayers, KindDouble, "mean seconds between path hops, +Inf when undefined"},
	}

	for _, w := range FeatureWindows {
		specs = append(specs,
			FeatureSpec{WindowFeature(PrefixSenderOutDegree, w.Suffix), KindInt, "distinct receivers of the sender in " + w.Suffix},
			FeatureSpec{WindowFeature(PrefixSenderTxCount, w.Suffix), KindInt, "transfers sent by the sender in " + w.Suffix},
			FeatureSpec{WindowFeature(PrefixTotalOutgoingValue, w.Suffix), KindDouble, "value sent by the sender in " + w.Suffix},
			FeatureSpec{WindowFeature(PrefixReceiverInDegree, w.Suffix), KindInt, "distinct senders to the receiver in " + w.Suffix},
			FeatureSpec{WindowFeature(PrefixReceiverTxCount, w.Suffix), KindInt, "transfers received by the receiver in " + w.Suffix},
			FeatureSpec{WindowFeature(PrefixTotalIncomingValue, w.Suffix), KindDouble, "value received by the receiver in " + w.Suffix},
		)
	}

	specs = append(specs,
		FeatureSpec{FeatureSenderOutDegree, KindInt, "alias of sender_out_degree_1h"},
		FeatureSpec{FeatureReceiverInDegree, KindInt, "alias of receiver_in_degree_1h"},
		FeatureSpec{FeatureNumTransactions1h, KindInt, "alias of sender_tx_count_1h"},
		FeatureSpec{FeatureNumUniqueSendersToReceiver1h, KindInt, "alias of receiver_in_degree_1h"},
		FeatureSpec{FeatureReceiverTotal1h, KindDouble, "alias of total_incoming_value_1h"},
		FeatureSpec{FeatureCountToSameReceiver7d, KindInt, "alias of receiver_tx_count_7d"},
		FeatureSpec{FeatureTotalToSameReceiver7d, KindDouble, "alias of total_incoming_value_7d"},

		FeatureSpec{FeatureNumCountriesInvolved7d, KindInt, "distinct countries used by the sender in 7d"},
		FeatureSpec{FeatureUniqueDeviceCount3d, KindInt, "distinct device types used by the sender in 3d"},
		FeatureSpec{FeaturePreviousSTRs, KindInt, "alerts previously raised for the sender"},

		FeatureSpec{FeatureHopChain, KindStringList, "accounts on the two-minute hop chain"},
		FeatureSpec{FeatureHopCount, KindInt, "hops on the two-minute hop chain"},
		FeatureSpec{FeatureIsMultiHop, KindBool, "hop_count >= 2"},

		FeatureSpec{FeatureIsLinkedChain, KindBool, "coordinated dispersion-aggregation chain detected"},
		FeatureSpec{FeatureLinkedChainCommonReceiver, KindString, "aggregation account of the chain"},
		FeatureSpec{FeatureLinkedChainMembers, KindStringList, "origin, intermediaries and aggregation account"},
		FeatureSpec{FeatureLinkedChainSize, KindInt, "number of chain members"},

		FeatureSpec{ConstOneHour, KindDouble, "3600 seconds"},
		FeatureSpec{ConstHours48, KindDouble, "48 hours in seconds"},
		FeatureSpec{ConstTwoDays, KindDouble, "two days in seconds"},
	)
	return specs
}
