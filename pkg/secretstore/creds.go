package secretstore

import "os"

// Venue credential keys stored in the secret store. Environment variables of
// the same name take precedence so CI and dry-run setups need no Badger DB.
const (
	KeyVenueAPIKey     = "VENUE_API_KEY"
	KeyVenueSecret     = "VENUE_SECRET"
	KeyVenuePassphrase = "VENUE_PASSPHRASE"
)

// VenueCredentials is the L2 API credential triple for the external venue.
type VenueCredentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// Empty reports whether no credential is present at all.
func (c VenueCredentials) Empty() bool {
	return c.APIKey == "" && c.Secret == "" && c.Passphrase == ""
}

// LoadVenueCredentials resolves credentials from env first, then the store.
// The store may be nil (env-only deployments).
func LoadVenueCredentials(s *Store) (VenueCredentials, error) {
	creds := VenueCredentials{
		APIKey:     os.Getenv(KeyVenueAPIKey),
		Secret:     os.Getenv(KeyVenueSecret),
		Passphrase: os.Getenv(KeyVenuePassphrase),
	}
	if s == nil {
		return creds, nil
	}
	var err error
	if creds.APIKey == "" {
		if creds.APIKey, _, err = s.GetString(KeyVenueAPIKey); err != nil {
			return creds, err
		}
	}
	if creds.Secret == "" {
		if creds.Secret, _, err = s.GetString(KeyVenueSecret); err != nil {
			return creds, err
		}
	}
	if creds.Passphrase == "" {
		if creds.Passphrase, _, err = s.GetString(KeyVenuePassphrase); err != nil {
			return creds, err
		}
	}
	return creds, nil
}
