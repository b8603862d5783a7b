package features

import (
	"github.com/opensource-finance/harrier/internal/chain"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/pathtrace"
	"github.com/opensource-finance/harrier/internal/velocity"
)

func vector(t *domain.Transfer, path pathtrace.Trace, profile velocity.Profile, prior int64, hops []string, linked chain.Result) domain.FeatureVector {
	fv := domain.FeatureVector{
		domain.FeatureSender:           t.Sender,
		domain.FeatureReceiver:         t.Receiver,
		domain.FeatureAmount:           t.AmountFloat(),
		domain.FeatureDeviceType:       t.DeviceType,
		domain.FeatureCountry:          t.Country,
		domain.FeatureMerchantCategory: t.MerchantCategory,
		domain.FeaturePaymentMethod:    t.PaymentMethod,
		domain.FeatureCustomerID:       t.CustomerID,

		domain.FeaturePath:                  path.Path,
		domain.FeaturePathTimestamps:        unixSeconds(path),
		domain.FeaturePathAmounts:           path.Amounts,
		domain.FeatureNumAccountsInvolved:   int64(path.Accounts),
		domain.FeatureNumLayers:             int64(path.Layers),
		domain.FeatureTotalAmount:           path.TotalAmount,
		domain.FeatureAvgDelayBetweenLayers: path.AvgDelay,

		domain.FeatureNumCountriesInvolved7d: profile.Countries,
		domain.FeatureUniqueDeviceCount3d:    profile.Devices,
		domain.FeaturePreviousSTRs:           prior,

		domain.FeatureHopChain:   hops,
		domain.FeatureHopCount:   int64(max(0, len(hops)-1)),
		domain.FeatureIsMultiHop: len(hops)-1 >= 2,

		domain.FeatureIsLinkedChain:             linked.IsLinkedChain,
		domain.FeatureLinkedChainCommonReceiver: linked.CommonReceiver,
		domain.FeatureLinkedChainMembers:        nonNil(linked.Members),
		domain.FeatureLinkedChainSize:           int64(len(linked.Members)),
	}

	for _, w := range profile.Windows {
		fv[domain.WindowFeature(domain.PrefixSenderOutDegree, w.Suffix)] = w.Sender.DistinctCount
		fv[domain.WindowFeature(domain.PrefixSenderTxCount, w.Suffix)] = w.Sender.Count
		fv[domain.WindowFeature(domain.PrefixTotalOutgoingValue, w.Suffix)] = w.Sender.Sum
		fv[domain.WindowFeature(domain.PrefixReceiverInDegree, w.Suffix)] = w.Receiver.DistinctCount
		fv[domain.WindowFeature(domain.PrefixReceiverTxCount, w.Suffix)] = w.Receiver.Count
		fv[domain.WindowFeature(domain.PrefixTotalIncomingValue, w.Suffix)] = w.Receiver.Sum
	}

	aliases := map[string]string{
		domain.FeatureSenderOutDegree:              domain.WindowFeature(domain.PrefixSenderOutDegree, "1h"),
		domain.FeatureReceiverInDegree:             domain.WindowFeature(domain.PrefixReceiverInDegree, "1h"),
		domain.FeatureNumTransactions1h:            domain.WindowFeature(domain.PrefixSenderTxCount, "1h"),
		domain.FeatureNumUniqueSendersToReceiver1h: domain.WindowFeature(domain.PrefixReceiverInDegree, "1h"),
		domain.FeatureReceiverTotal1h:              domain.WindowFeature(domain.PrefixTotalIncomingValue, "1h"),
		domain.FeatureCountToSameReceiver7d:        domain.WindowFeature(domain.PrefixReceiverTxCount, "7d"),
		domain.FeatureTotalToSameReceiver7d:        domain.WindowFeature(domain.PrefixTotalIncomingValue, "7d"),
	}
	for alias, source := range aliases {
		fv[alias] = fv[source]
	}

	for name, v := range domain.ConstantValues {
		fv[name] = v
	}
	return fv
}

func unixSeconds(path pathtrace.Trace) []float64 {
	out := make([]float64, len(path.Timestamps))
	for i, ts := range path.Timestamps {
		out[i] = float64(ts.UnixNano()) / 1e9
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
