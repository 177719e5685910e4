// cex.go holds the static reference tables for the on-chain path: known
// exchange hot wallets on Polygon for the CEX-funding check, and the venue's
// own contracts, which never count toward protocol diversity.
package forensics

import "strings"

// cexAddresses maps lowercased Polygon hot-wallet addresses to the exchange
// operating them.
var cexAddresses = map[string]string{
	"0xf977814e90da44bfa03b6295a0616a897441acec": "binance",
	"0xe7804c37c13166ff0b37f5ae0bb07a3aebb6e245": "binance",
	"0x290275e3db66394c52272398959845170e4dcb88": "binance",
	"0x71660c4005ba85c37ccec55d0c4493e66fe775d3": "coinbase",
	"0x503828976d22510aad0201ac7ec88293211d23da": "coinbase",
	"0x6262998ced04146fa42253a5c0af90ca02dfd2a3": "crypto.com",
	"0xae2d4617c862309a3d75a0ffb358c7a5009c673f": "kraken",
	"0x5041ed759dd4afc3a72b8192c143f72f4724081a": "okx",
	"0x2140efd7ba31169c69dfff6cdc66c542f0211825": "bitfinex",
}

// venueContracts are the market venue's own infrastructure on Polygon.
// Interactions with these say nothing about a wallet's wider activity.
var venueContracts = map[string]bool{
	"0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e": true, // CTF exchange
	"0xc5d563a36ae78145c45a50134d48a1215220f80a": true, // neg-risk exchange
	"0x4d97dcd97ec945f40cf65f87097ace5ea0476045": true, // conditional tokens
	"0x2791bca1f2de4661ed88a30c99a7a9449aa84174": true, // USDC
	"0xab45c5a4b0c941a2f231c04c3f49182e1a254052": true, // proxy wallet factory
}

// CEXName reports which exchange a sender address belongs to, if any.
func CEXName(address string) (string, bool) {
	name, ok := cexAddresses[strings.ToLower(address)]
	return name, ok
}

func isVenueContract(address string) bool {
	return venueContracts[strings.ToLower(address)]
}
